package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codedread/kthoom/internal/domain"
)

// Интеграционный тест: требует живой Reindexer.
// Запуск: KTHOOM_TEST_REINDEXER_DSN=cproto://localhost:6534/kthoom_test go test ./internal/repositories/
func newTestRepository(t *testing.T) *ReindexerRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("пропускаем интеграционный тест в -short режиме")
	}
	dsn := os.Getenv("KTHOOM_TEST_REINDEXER_DSN")
	if dsn == "" {
		t.Skip("KTHOOM_TEST_REINDEXER_DSN не задан")
	}

	repo, err := NewReindexerRepository(dsn, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.EnsureCollections(context.Background()))
	return repo
}

func TestRepositoryCRUD(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := &domain.BookRecord{
		ID:        uuid.New().String(),
		Name:      "integration.cbz",
		MIMEType:  "application/vnd.comicbook+zip",
		Pages:     0,
		State:     domain.BookStateLoading,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, rec))
	defer repo.Delete(ctx, rec.ID)

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, domain.BookStateLoading, got.State)

	// Обновление: книга перешла в состояние bound.
	rec.Pages = 12
	rec.State = domain.BookStateBound
	require.NoError(t, repo.Update(ctx, rec))

	got, err = repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, got.Pages)
	assert.Equal(t, domain.BookStateBound, got.State)

	require.NoError(t, repo.Delete(ctx, rec.ID))
	_, err = repo.GetByID(ctx, rec.ID)
	assert.Error(t, err)
}

func TestRepositoryListPagination(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		rec := &domain.BookRecord{
			ID:        uuid.New().String(),
			Name:      "page-test.cbz",
			State:     domain.BookStateLoaded,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, repo.Create(ctx, rec))
		ids = append(ids, rec.ID)
	}
	defer func() {
		for _, id := range ids {
			repo.Delete(ctx, id)
		}
	}()

	result, err := repo.ListWithPagination(ctx, domain.PaginationParams{Limit: 3, Offset: 0})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Items), 3)
	assert.GreaterOrEqual(t, result.Total, 5)
	assert.True(t, result.HasMore)
}

func TestRepositoryHealthCheck(t *testing.T) {
	repo := newTestRepository(t)

	require.NoError(t, repo.CheckConnection(context.Background()))
	status := repo.getHealthStatus()
	assert.True(t, status.IsHealthy)
	assert.Positive(t, status.Connections)
}
