package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/finance-importer/internal/config"
	"github.com/finance-importer/internal/errors"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/queue"
	"github.com/finance-importer/internal/types"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statementCSV = "Fecha,Monto,Descripcion\n2024-01-15,-500.00,Supermercado\nbad-date,100,Salario\n2024-01-20,1000,Salario\n"

var statementMapping = models.ColumnMapping{Date: "Fecha", Amount: "Monto", Description: "Descripcion"}

type fixture struct {
	store   *fakeJobStore
	lookups *fakeLookups
	txs     *fakeTxWriter
	queue   *queue.MemoryQueue
	clock   time.Time
	worker  *ImportWorker
}

func newFixture(t *testing.T, cfg config.ImportConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:   newFakeJobStore(),
		lookups: defaultLookups(),
		txs:     newFakeTxWriter(),
		queue:   queue.NewMemoryQueue(queue.DefaultPolicy()),
		clock:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.queue.SetClock(func() time.Time { return f.clock })
	if cfg.ErrorDetailLimit == 0 {
		cfg.ErrorDetailLimit = 1000
	}
	f.worker = NewImportWorker(f.store, f.lookups, f.txs, f.queue, cfg)
	return f
}

func (f *fixture) submit(t *testing.T, jobID, csvData string, mapping models.ColumnMapping) queue.Task {
	t.Helper()
	f.store.add(&models.ImportJob{ID: jobID, UserID: "user-1", Filename: "statement.csv", Mapping: mapping})
	task := queue.Task{JobID: jobID, UserID: "user-1", Filename: "statement.csv", CSVData: csvData, Mapping: mapping}
	require.NoError(t, f.queue.Enqueue(context.Background(), &task))
	return task
}

func TestProcessImportJob_StatementScenario(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	task := f.submit(t, "job-1", statementCSV, statementMapping)

	result, err := f.worker.ProcessImportJob(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, &models.ImportResult{SuccessRows: 2, ErrorRows: 1, TotalRows: 3}, result)

	job := f.store.get("job-1")
	assert.Equal(t, types.ImportStatusCompleted, job.Status)
	assert.Equal(t, 3, job.TotalRows)
	assert.Equal(t, 3, job.ProcessedRows)
	assert.Equal(t, 2, job.SuccessRows)
	assert.Equal(t, 1, job.ErrorRows)
	require.Len(t, job.ErrorDetails, 1)
	assert.Equal(t, 3, job.ErrorDetails[0].Row)
	assert.True(t, strings.HasPrefix(job.ErrorDetails[0].Error, "Fecha inválida"))

	created := f.txs.created()
	require.Len(t, created, 2)
	assert.Equal(t, types.TransactionExpense, created[0].Type)
	assert.True(t, created[0].Amount.Equal(decimal.RequireFromString("500")))
	assert.Equal(t, types.TransactionIncome, created[1].Type)
	assert.Equal(t, types.PaymentOther, created[1].PaymentMethod)
	assert.Equal(t, "job-1", *created[1].ImportJobID)
	assert.Equal(t, 4, *created[1].ImportRow)
}

func TestProcessImportJob_NoActiveAccountsFailsJob(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	f.lookups.accounts = []models.Account{{ID: "acc-old", Name: "Cerrada", IsActive: false}}
	task := f.submit(t, "job-1", statementCSV, statementMapping)

	_, err := f.worker.ProcessImportJob(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))

	job := f.store.get("job-1")
	assert.Equal(t, types.ImportStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "No hay cuentas disponibles para importar", *job.ErrorMessage)
	assert.Empty(t, f.txs.created())
}

func TestProcessImportJob_MalformedFileFailsJob(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	task := f.submit(t, "job-1", "Fecha,Monto\n\"2024-01-15,10\n", statementMapping)

	_, err := f.worker.ProcessImportJob(context.Background(), task)
	require.Error(t, err)

	job := f.store.get("job-1")
	assert.Equal(t, types.ImportStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "El archivo CSV no tiene un formato válido", *job.ErrorMessage)
}

func TestProcessImportJob_PreservesFileOrder(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})

	var b strings.Builder
	b.WriteString("date,amount,description\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "2024-02-%02d,%d.50,row-%d\n", i%28+1, i+1, i)
	}
	task := f.submit(t, "job-1", b.String(), models.ColumnMapping{Date: "date", Amount: "amount", Description: "description"})

	_, err := f.worker.ProcessImportJob(context.Background(), task)
	require.NoError(t, err)

	created := f.txs.created()
	require.Len(t, created, 40)
	for i, tx := range created {
		assert.Equal(t, fmt.Sprintf("row-%d", i), tx.Description)
		assert.Equal(t, i+2, *tx.ImportRow)
	}
}

func TestProcessImportJob_AccountAndCategoryResolution(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	csvData := "Fecha,Monto,Cuenta,Categoria\n" +
		"2024-01-15,-20,ahorros,comida\n" +
		"2024-01-16,-30,Tarjeta Desconocida,Viajes\n" +
		"2024-01-17,-40,,\n"
	mapping := models.ColumnMapping{Date: "Fecha", Amount: "Monto", Account: "Cuenta", Category: "Categoria"}
	task := f.submit(t, "job-1", csvData, mapping)

	_, err := f.worker.ProcessImportJob(context.Background(), task)
	require.NoError(t, err)

	created := f.txs.created()
	require.Len(t, created, 3)
	assert.Equal(t, "acc-savings", created[0].AccountID)
	require.NotNil(t, created[0].CategoryID)
	assert.Equal(t, "cat-food", *created[0].CategoryID)
	assert.Equal(t, "acc-main", created[1].AccountID)
	assert.Nil(t, created[1].CategoryID)
	assert.Equal(t, "acc-main", created[2].AccountID)
}

func TestProcessImportJob_TruncatesLongDescriptions(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	long := strings.Repeat("x", 300)
	task := f.submit(t, "job-1", "Fecha,Monto,Descripcion\n2024-01-15,10,"+long+"\n", statementMapping)

	result, err := f.worker.ProcessImportJob(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ErrorRows)

	created := f.txs.created()
	require.Len(t, created, 1)
	assert.Len(t, created[0].Description, 255)
}

func TestProcessImportJob_CheckpointsAreMonotonic(t *testing.T) {
	f := newFixture(t, config.ImportConfig{CheckpointEvery: 50})

	var b strings.Builder
	b.WriteString("Fecha,Monto\n")
	for i := 0; i < 120; i++ {
		if i%7 == 0 {
			b.WriteString("nope,10\n")
			continue
		}
		b.WriteString("2024-01-15,10\n")
	}
	task := f.submit(t, "job-1", b.String(), statementMapping)

	result, err := f.worker.ProcessImportJob(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 120, result.TotalRows)
	assert.Equal(t, result.TotalRows, result.SuccessRows+result.ErrorRows)

	history := f.store.checkpointHistory()
	require.Len(t, history, 2)
	assert.Equal(t, 50, history[0].ProcessedRows)
	assert.Equal(t, 100, history[1].ProcessedRows)
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i].ProcessedRows, history[i-1].ProcessedRows)
	}

	job := f.store.get("job-1")
	assert.Equal(t, job.TotalRows, job.ProcessedRows)
	assert.Equal(t, job.ProcessedRows, job.SuccessRows+job.ErrorRows)
}

func TestProcessImportJob_CapsErrorDetails(t *testing.T) {
	f := newFixture(t, config.ImportConfig{ErrorDetailLimit: 2})
	task := f.submit(t, "job-1", "Fecha,Monto\nx,1\ny,2\nz,3\n2024-01-01,0\n", statementMapping)

	result, err := f.worker.ProcessImportJob(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 4, result.ErrorRows)

	job := f.store.get("job-1")
	assert.Equal(t, 4, job.ErrorRows)
	assert.Len(t, job.ErrorDetails, 2)
	assert.Equal(t, 2, job.ErrorOverflow)
	assert.Equal(t, 2, job.ErrorDetails[0].Row)
	assert.Equal(t, 3, job.ErrorDetails[1].Row)
}

func TestProcessImportJob_ConstraintViolationIsRowError(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	f.txs.setFailure(3, errors.NewConstraintError("transactions_account_id_fkey", nil))
	task := f.submit(t, "job-1", "Fecha,Monto\n2024-01-15,10\n2024-01-16,20\n", statementMapping)

	result, err := f.worker.ProcessImportJob(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessRows)
	assert.Equal(t, 1, result.ErrorRows)

	job := f.store.get("job-1")
	assert.Equal(t, types.ImportStatusCompleted, job.Status)
	assert.Equal(t, []models.RowErrorDetail{{Row: 3, Error: "No se pudo guardar la transacción"}}, job.ErrorDetails)
}

func TestHandle_OutOfRangeRowDoesNotFailJob(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	overflow := &pgconn.PgError{Code: "22003", Message: "numeric field overflow"}
	f.txs.setFailure(3, errors.NewConstraintError(overflow.Code, overflow))
	f.submit(t, "job-1", "Fecha,Monto\n2024-01-15,10\n2024-01-16,20\n2024-01-17,30\n", statementMapping)
	ctx := context.Background()

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	f.worker.handle(ctx, d)

	job := f.store.get("job-1")
	assert.Equal(t, types.ImportStatusCompleted, job.Status)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, 2, job.SuccessRows)
	assert.Equal(t, 1, job.ErrorRows)
	assert.Equal(t, []models.RowErrorDetail{{Row: 3, Error: "No se pudo guardar la transacción"}}, job.ErrorDetails)
	assert.Len(t, f.txs.created(), 2)

	status, err := f.queue.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, status.State)
}

func TestProcessImportJob_RedeliveryDoesNotDuplicate(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	csvData := "Fecha,Monto\n2024-01-15,10\n2024-01-16,20\n2024-01-17,30\n2024-01-18,40\n"
	task := f.submit(t, "job-1", csvData, statementMapping)

	f.txs.setFailure(4, dbDown())
	_, err := f.worker.ProcessImportJob(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, types.ImportStatusProcessing, f.store.get("job-1").Status)
	assert.Len(t, f.txs.created(), 2)

	f.txs.setFailure(4, nil)
	result, err := f.worker.ProcessImportJob(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, &models.ImportResult{SuccessRows: 4, ErrorRows: 0, TotalRows: 4}, result)

	created := f.txs.created()
	require.Len(t, created, 4)
	job := f.store.get("job-1")
	assert.Equal(t, types.ImportStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestProcessImportJob_TerminalJobIsNotRunnable(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	task := f.submit(t, "job-1", statementCSV, statementMapping)
	_, err := f.worker.ProcessImportJob(context.Background(), task)
	require.NoError(t, err)

	_, err = f.worker.ProcessImportJob(context.Background(), task)
	assert.ErrorIs(t, err, ErrJobNotRunnable)
	assert.Len(t, f.txs.created(), 2)

	_, err = f.worker.ProcessImportJob(context.Background(), queue.Task{JobID: "deleted", UserID: "user-1"})
	assert.ErrorIs(t, err, ErrJobNotRunnable)
}

func TestHandle_RetriesUntilExhausted(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	f.submit(t, "job-1", "Fecha,Monto\n2024-01-15,10\n", statementMapping)
	f.txs.setFailure(2, dbDown())
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		d, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d, "attempt %d", attempt)
		assert.Equal(t, attempt, d.Attempt)

		f.worker.handle(ctx, d)
		f.clock = f.clock.Add(time.Minute)
	}

	job := f.store.get("job-1")
	assert.Equal(t, types.ImportStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "after 3 attempts")

	status, err := f.queue.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, status.State)

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestHandle_RetryLeavesJobProcessing(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	f.submit(t, "job-1", "Fecha,Monto\n2024-01-15,10\n", statementMapping)
	f.txs.setFailure(2, dbDown())
	ctx := context.Background()

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	f.worker.handle(ctx, d)

	assert.Equal(t, types.ImportStatusProcessing, f.store.get("job-1").Status)
	status, err := f.queue.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, status.State)

	f.txs.setFailure(2, nil)
	f.clock = f.clock.Add(time.Minute)
	d, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	f.worker.handle(ctx, d)

	assert.Equal(t, types.ImportStatusCompleted, f.store.get("job-1").Status)
	status, err = f.queue.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, status.State)
	assert.Equal(t, 100, status.Progress)
}

func TestDispatchNext_BreakerPausesDequeue(t *testing.T) {
	f := newFixture(t, config.ImportConfig{BreakerFailures: 2})
	f.submit(t, "job-1", "Fecha,Monto\n2024-01-15,10\n", statementMapping)
	f.submit(t, "job-2", "Fecha,Monto\n2024-01-15,10\n", statementMapping)
	f.txs.setFailure(2, dbDown())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		f.worker.handle(ctx, d)
	}

	f.submit(t, "job-3", "Fecha,Monto\n2024-01-15,10\n", statementMapping)
	assert.False(t, f.worker.dispatchNext(ctx))

	status, err := f.queue.Status(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, status.State)
	assert.Equal(t, types.ImportStatusPending, f.store.get("job-3").Status)
}

func TestHandle_PermanentFaultDiscardsTask(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	f.lookups.accounts = nil
	f.submit(t, "job-1", statementCSV, statementMapping)
	ctx := context.Background()

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	f.worker.handle(ctx, d)

	assert.Equal(t, types.ImportStatusFailed, f.store.get("job-1").Status)
	status, err := f.queue.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, status.State)
}

func TestHandle_ExhaustedDeliveryFailsJob(t *testing.T) {
	f := newFixture(t, config.ImportConfig{})
	task := f.submit(t, "job-1", statementCSV, statementMapping)

	f.worker.handle(context.Background(), &queue.Delivery{Task: task, Attempt: 4, MaxAttempts: 3})

	job := f.store.get("job-1")
	assert.Equal(t, types.ImportStatusFailed, job.Status)
	assert.Empty(t, f.txs.created())
}

func TestImportWorker_StartProcessesQueuedJobs(t *testing.T) {
	f := newFixture(t, config.ImportConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond})
	f.queue.SetClock(time.Now)
	f.submit(t, "job-1", statementCSV, statementMapping)
	f.submit(t, "job-2", "Fecha,Monto\n2024-01-15,10\n", statementMapping)
	f.submit(t, "job-3", statementCSV, statementMapping)

	require.NoError(t, f.worker.Start(context.Background()))
	assert.Error(t, f.worker.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, id := range []string{"job-1", "job-2", "job-3"} {
			if f.store.get(id).Status != types.ImportStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.worker.Stop(ctx))
	assert.Error(t, f.worker.Stop(ctx))

	assert.Len(t, f.txs.created(), 5)
}

func TestErrorLog(t *testing.T) {
	log := newErrorLog(0)
	for i := 0; i < 5; i++ {
		log.add(i+2, "Monto inválido")
	}
	assert.Len(t, log.details, 5)
	assert.Zero(t, log.overflow)
}
