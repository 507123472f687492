package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"github.com/devrev/cqrsengine/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandService_PublishAsync_FirstVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rec, err := e.commands.PublishAsync(ctx, orderInput("o-1", 0, map[string]any{"qty": 2}), PublishOptions{
		Source:    "api",
		RequestID: "req-1",
		Invoker:   "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, model.CommandStatusPending, rec.Status)
	assert.Equal(t, "o-1@1", rec.VersionedSK())
	assert.Equal(t, model.EntityID(testPK, "o-1"), rec.ID)
	assert.Equal(t, "alice", rec.CreatedBy)

	e.waitForStatus(t, "o-1", 1, model.CommandStatusCompleted)

	data, err := e.commands.GetData(ctx, testPK, "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), data.Version)
	assert.Equal(t, "o-1@1", data.CommandSK)
	assert.Equal(t, 2, data.Attributes["qty"])
}

func TestCommandService_Conflicts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.commands.PublishAsync(ctx, orderInput("o-1", 0, nil), PublishOptions{})
	require.NoError(t, err)

	tests := []struct {
		name    string
		sk      string
		version int64
		code    apperrors.ErrorCode
	}{
		{"target version taken", "o-1", 0, apperrors.ErrCodeVersionConflict},
		{"expected version ahead of latest", "o-1", 4, apperrors.ErrCodeVersionConflict},
		{"unknown aggregate", "o-404", 3, apperrors.ErrCodeNotFound},
		{"invalid input", "", 0, apperrors.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.commands.PublishAsync(ctx, orderInput(tt.sk, tt.version, nil), PublishOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}
}

func TestCommandService_PublishAsync_Latest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := e.commands.PublishAsync(ctx, orderInput("o-1", model.VersionLatest, map[string]any{"step": i}), PublishOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(i), rec.Version)
	}

	latest, err := e.commands.GetLatest(ctx, testPK, "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Version)
}

func TestCommandService_PublishSync_RejectsLatest(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.commands.PublishSync(context.Background(), orderInput("o-1", model.VersionLatest, nil), PublishOptions{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))
}

func TestCommandService_PublishSync_WaitsForCompletion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := newRecorder("audit")
	require.NoError(t, e.registry.Register(testType, rec))

	first, err := e.commands.PublishSync(ctx, orderInput("o-1", 0, nil), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusCompleted, first.Status)

	second, err := e.commands.PublishSync(ctx, orderInput("o-1", 1, map[string]any{"paid": true}), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusCompleted, second.Status)
	assert.Equal(t, int64(2), second.Version)

	assert.Equal(t, []int64{1, 2}, rec.versions("o-1"))
	data, err := e.commands.GetData(ctx, testPK, "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), data.Version)
}

func TestCommandService_PublishSync_ReturnsPipelineFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// a view that is already ahead makes materialization stale
	require.NoError(t, e.mem.PutData(ctx, &model.DataRecord{PK: testPK, SK: "o-1", Version: 10}))

	rec, err := e.commands.PublishSync(ctx, orderInput("o-1", 0, nil), PublishOptions{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePipelineFailed, apperrors.GetCode(err))
	require.NotNil(t, rec)
	assert.Equal(t, model.CommandStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "stale")
}

func TestCommandService_PublishSync_Timeout(t *testing.T) {
	e := newTestEngine(t)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, e.registry.Register(testType, HandlerFunc("slow", func(ctx context.Context, rec *model.CommandRecord) error {
		<-release
		return nil
	})))

	rec, err := e.commands.PublishSync(context.Background(), orderInput("o-1", 0, nil), PublishOptions{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTimeout, apperrors.GetCode(err))
	require.NotNil(t, rec)
	assert.False(t, rec.Status.IsTerminal())
}

func TestCommandService_PublishPartialUpdate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.commands.PublishSync(ctx, orderInput("o-1", 0, map[string]any{"qty": 1, "note": "first"}), PublishOptions{})
	require.NoError(t, err)

	deleted := true
	rec, err := e.commands.PublishPartialUpdate(ctx, &validation.PartialInput{
		PK:         testPK,
		SK:         "o-1",
		Version:    1,
		TenantCode: testTenant,
		IsDeleted:  &deleted,
		Attributes: map[string]any{"qty": 5},
	}, PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, "order o-1", rec.Name)
	assert.True(t, rec.IsDeleted)
	assert.Equal(t, map[string]any{"qty": 5, "note": "first"}, rec.Attributes)

	_, err = e.commands.PublishPartialUpdate(ctx, &validation.PartialInput{
		PK:         testPK,
		SK:         "o-1",
		Version:    1,
		TenantCode: testTenant,
		Name:       "renamed",
	}, PublishOptions{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeVersionConflict, apperrors.GetCode(err))

	_, err = e.commands.PublishPartialUpdate(ctx, &validation.PartialInput{
		PK:         testPK,
		SK:         "o-404",
		Version:    1,
		TenantCode: testTenant,
	}, PublishOptions{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestCommandService_GaplessUnderConcurrentSubmitters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const submitters = 8
	const perSubmitter = 5

	var wg sync.WaitGroup
	errs := make(chan error, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for n := 0; n < perSubmitter; n++ {
				for {
					_, err := e.commands.PublishAsync(ctx, orderInput("o-1", model.VersionLatest, map[string]any{"by": id}), PublishOptions{})
					if err == nil {
						break
					}
					if !apperrors.HasCode(err, apperrors.ErrCodeVersionConflict) {
						errs <- err
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	versions, err := e.commands.ListVersions(ctx, testPK, "o-1", 0, false)
	require.NoError(t, err)
	require.Len(t, versions, submitters*perSubmitter)
	for i, rec := range versions {
		assert.Equal(t, int64(i+1), rec.Version)
	}
	e.waitForStatus(t, "o-1", submitters*perSubmitter, model.CommandStatusCompleted)
}

func TestCommandService_ExactlyOneWinner(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const racers = 10
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := e.commands.PublishAsync(ctx, orderInput("o-1", 0, map[string]any{"by": id}), PublishOptions{})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
			continue
		}
		assert.Equal(t, apperrors.ErrCodeVersionConflict, apperrors.GetCode(err))
	}
	assert.Equal(t, 1, winners)
}

func TestCommandService_Idempotency(t *testing.T) {
	e := newTestEngine(t, withIdempotency(store.NewMemoryIdempotencyStore(100)))
	ctx := context.Background()

	opts := PublishOptions{IdempotencyKey: "client-key-1"}
	first, err := e.commands.PublishAsync(ctx, orderInput("o-1", 0, nil), opts)
	require.NoError(t, err)
	second, err := e.commands.PublishAsync(ctx, orderInput("o-1", 0, nil), opts)
	require.NoError(t, err)

	assert.Equal(t, first.Key(), second.Key())
	versions, err := e.commands.ListVersions(ctx, testPK, "o-1", 0, false)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestCommandService_SkipIfUnchanged(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.commands.PublishAsync(ctx, orderInput("o-1", 0, map[string]any{"qty": 1}), PublishOptions{})
	require.NoError(t, err)

	same, err := e.commands.PublishAsync(ctx, orderInput("o-1", 1, map[string]any{"qty": 1}), PublishOptions{SkipIfUnchanged: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), same.Version)

	changed, err := e.commands.PublishAsync(ctx, orderInput("o-1", 1, map[string]any{"qty": 2}), PublishOptions{SkipIfUnchanged: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed.Version)
}

func TestCommandService_Reads(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.commands.PublishAsync(ctx, orderInput("o-1", int64(i), map[string]any{"i": i}), PublishOptions{})
		require.NoError(t, err)
	}

	rec, err := e.commands.GetStatus(ctx, model.CommandKey{PK: testPK, SK: "o-1", Version: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	_, err = e.commands.GetStatus(ctx, model.CommandKey{PK: testPK, SK: "o-1", Version: 9})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	versions, err := e.commands.ListVersions(ctx, testPK, "o-1", 2, true)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(3), versions[0].Version)
	assert.Equal(t, int64(2), versions[1].Version)

	_, err = e.commands.GetLatest(ctx, testPK, "o-404")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	_, err = e.commands.GetData(ctx, testPK, "o-404")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestSameContent(t *testing.T) {
	prev := &model.CommandRecord{Code: "c", Name: "n", Type: testType, Attributes: map[string]any{"a": 1.0}}

	tests := []struct {
		name string
		in   *validation.CommandInput
		want bool
	}{
		{"identical with int attribute", &validation.CommandInput{Code: "c", Name: "n", Type: testType, Attributes: map[string]any{"a": 1}}, true},
		{"different attribute", &validation.CommandInput{Code: "c", Name: "n", Type: testType, Attributes: map[string]any{"a": 2}}, false},
		{"different name", &validation.CommandInput{Code: "c", Name: "m", Type: testType, Attributes: map[string]any{"a": 1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameContent(prev, tt.in), fmt.Sprintf("%+v", tt.in))
		})
	}
}
