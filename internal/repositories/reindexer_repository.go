package repositories

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/restream/reindexer/v4"
	// Используем cproto (RPC) протокол — он быстрее и эффективнее стандартного HTTP.
	_ "github.com/restream/reindexer/v4/bindings/cproto"
	"go.uber.org/zap"

	"github.com/codedread/kthoom/internal/domain"
)

const (
	// Имя пространства имен (таблицы) для каталога книг.
	booksNamespace = "books"

	// Настройки для управления соединениями.
	// Reindexer не любит долгие тайм-ауты, поэтому ставим разумные ограничения.
	defaultMaxRetries     = 3
	defaultRetryDelay     = 1 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultQueryTimeout   = 5 * time.Second
)

// HealthStatus хранит текущее состояние подключения к базе.
// Используется для health-check'ов, чтобы оркестратор знал, живы ли мы.
type HealthStatus struct {
	IsHealthy   bool
	LastCheck   time.Time
	LastError   error
	Connections int // Сколько активных соединений в пуле
}

// ReindexerRepository — каталог книг поверх Reindexer.
// Он умеет:
// 1. Управлять соединениями (пулинг).
// 2. Следить за здоровьем базы.
// 3. Выполнять CRUD операции над записями каталога.
//
// Сами байты книги и страницы в базу не пишутся — только описательное
// состояние (имя, MIME, число страниц, этап загрузки).
type ReindexerRepository struct {
	dsn            string
	maxConnections int
	logger         *zap.Logger

	// Пул соединений, чтобы параллельные запросы не ждали друг друга.
	mu          sync.RWMutex
	db          *reindexer.Reindexer   // Главное соединение
	connections []*reindexer.Reindexer // Пул дополнительных соединений
	poolSize    int

	// Атомарное хранилище статуса здоровья.
	// Нужно, чтобы health check мог читать статус без блокировок (быстро).
	healthStatus atomic.Value // хранит *HealthStatus

	// Гарантия того, что неймспейсы будут созданы только один раз.
	collectionsInitialized bool
	collectionsMu          sync.Mutex
}

// NewReindexerRepository создает новый репозиторий и сразу пробует подключиться.
func NewReindexerRepository(dsn string, maxConnections int, logger *zap.Logger) (*ReindexerRepository, error) {
	if maxConnections < 1 {
		maxConnections = 1
	}

	repo := &ReindexerRepository{
		dsn:            dsn,
		maxConnections: maxConnections,
		logger:         logger,
		poolSize:       maxConnections,
		connections:    make([]*reindexer.Reindexer, 0, maxConnections),
	}

	// Инициализируем статус как "нездоров", пока не подключимся успешно.
	repo.healthStatus.Store(&HealthStatus{
		IsHealthy: false,
		LastCheck: time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	if err := repo.Connect(ctx); err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе: %w", err)
	}

	return repo, nil
}

// Connect пытается установить соединение с базой.
// Использует retry-механизм (несколько попыток), если база временно недоступна.
func (r *ReindexerRepository) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connectWithRetry(ctx, defaultMaxRetries)
}

// connectWithRetry реализует логику повторных попыток подключения.
// Сеть может моргнуть, или база может перезагружаться.
func (r *ReindexerRepository) connectWithRetry(ctx context.Context, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Пауза между попытками, чтобы не спамить базу.
		if attempt > 0 {
			delay := defaultRetryDelay * time.Duration(attempt)
			r.logger.Info("повторная попытка подключения",
				zap.Int("попытка", attempt+1),
				zap.Duration("пауза", delay),
			)
			time.Sleep(delay)
		}

		// WithCreateDBIfMissing() автоматически создаст базу, если её нет.
		db := reindexer.NewReindex(r.dsn, reindexer.WithCreateDBIfMissing())

		if err := r.testConnection(ctx, db); err != nil {
			lastErr = err
			db.Close()
			r.logger.Warn("тест соединения провален",
				zap.Int("попытка", attempt+1),
				zap.Error(err),
			)
			continue
		}

		// Закрываем старые соединения, если они были (при переподключении).
		if r.db != nil {
			r.db.Close()
		}
		for _, conn := range r.connections {
			if conn != nil {
				conn.Close()
			}
		}

		r.db = db

		// Пул дополнительных соединений для параллельной работы.
		r.connections = make([]*reindexer.Reindexer, 0, r.poolSize)
		for i := 0; i < r.poolSize; i++ {
			conn := reindexer.NewReindex(r.dsn, reindexer.WithCreateDBIfMissing())
			if err := r.testConnection(ctx, conn); err != nil {
				conn.Close()
				r.logger.Warn("не удалось создать соединение в пуле",
					zap.Int("индекс", i),
					zap.Error(err),
				)
				continue
			}
			r.connections = append(r.connections, conn)
		}

		r.updateHealthStatus(true, nil, len(r.connections)+1)

		r.logger.Info("успешно подключились к Reindexer",
			zap.Int("размер_пула", len(r.connections)),
		)

		return nil
	}

	r.updateHealthStatus(false, lastErr, 0)

	return fmt.Errorf("не удалось подключиться после %d попыток: %w", maxRetries, lastErr)
}

// testConnection проверяет, действительно ли соединение работает.
// Для cproto достаточно убедиться, что объект db не nil и не закрыт.
func (r *ReindexerRepository) testConnection(ctx context.Context, db *reindexer.Reindexer) error {
	if db == nil {
		return fmt.Errorf("объект соединения nil")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return nil
}

// getConnection возвращает доступное соединение из пула.
func (r *ReindexerRepository) getConnection() *reindexer.Reindexer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.connections) == 0 {
		return r.db
	}
	return r.connections[0]
}

// updateHealthStatus обновляет информацию о здоровье репозитория.
// Делается это атомарно, чтобы другие горутины могли читать статус без блокировок.
func (r *ReindexerRepository) updateHealthStatus(isHealthy bool, err error, connections int) {
	status := &HealthStatus{
		IsHealthy:   isHealthy,
		LastCheck:   time.Now(),
		LastError:   err,
		Connections: connections,
	}
	r.healthStatus.Store(status)
}

// getHealthStatus возвращает текущее состояние здоровья.
func (r *ReindexerRepository) getHealthStatus() *HealthStatus {
	status := r.healthStatus.Load()
	if status == nil {
		return &HealthStatus{IsHealthy: false}
	}
	return status.(*HealthStatus)
}

// EnsureCollections гарантирует, что неймспейс каталога существует в базе.
// Если его нет — создает автоматически.
func (r *ReindexerRepository) EnsureCollections(ctx context.Context) error {
	// Оптимизация: быстрая проверка без блокировки.
	if r.collectionsInitialized {
		return nil
	}

	r.collectionsMu.Lock()
	defer r.collectionsMu.Unlock()

	// Повторная проверка после блокировки (double-check locking).
	if r.collectionsInitialized {
		return nil
	}

	r.mu.RLock()
	db := r.db
	r.mu.RUnlock()

	if db == nil {
		return fmt.Errorf("соединение с базой не установлено")
	}

	opts := reindexer.DefaultNamespaceOptions()

	// Передаем структуру domain.BookRecord{}, чтобы Reindexer понял схему
	// данных (поля и индексы).
	if err := db.OpenNamespace(booksNamespace, opts, domain.BookRecord{}); err != nil {
		return fmt.Errorf("ошибка открытия неймспейса: %w", err)
	}

	// То же самое для всех соединений в пуле, чтобы они "знали" про схему.
	for i, conn := range r.connections {
		if conn != nil {
			if err := conn.OpenNamespace(booksNamespace, opts, domain.BookRecord{}); err != nil {
				r.logger.Warn("ошибка открытия неймспейса для соединения из пула",
					zap.Int("индекс", i),
					zap.Error(err),
				)
				continue
			}
		}
	}

	r.collectionsInitialized = true
	r.logger.Info("коллекции инициализированы", zap.String("namespace", booksNamespace))

	return nil
}

// Create сохраняет новую запись каталога.
func (r *ReindexerRepository) Create(ctx context.Context, rec *domain.BookRecord) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if err := r.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("ошибка проверки коллекций: %w", err)
	}

	r.mu.RLock()
	db := r.getConnection()
	r.mu.RUnlock()

	if db == nil {
		return fmt.Errorf("нет доступного соединения с БД")
	}

	// Upsert = Update or Insert. ID новой записи должен быть уникальным.
	if err := db.Upsert(booksNamespace, rec); err != nil {
		r.logger.Error("ошибка создания записи каталога",
			zap.String("id", rec.ID),
			zap.Error(err),
		)
		r.updateHealthStatus(false, err, r.getHealthStatus().Connections)
		return fmt.Errorf("ошибка при сохранении: %w", err)
	}

	return nil
}

// GetByID получает запись каталога по её ID.
func (r *ReindexerRepository) GetByID(ctx context.Context, id string) (*domain.BookRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	r.mu.RLock()
	db := r.getConnection()
	r.mu.RUnlock()

	if db == nil {
		return nil, fmt.Errorf("нет доступного соединения с БД")
	}

	query := db.Query(booksNamespace).Where("id", reindexer.EQ, id)
	iter := query.Exec()
	defer iter.Close()

	if iter.Error() != nil {
		r.logger.Error("ошибка выполнения запроса",
			zap.String("id", id),
			zap.Error(iter.Error()),
		)
		r.updateHealthStatus(false, iter.Error(), r.getHealthStatus().Connections)
		return nil, fmt.Errorf("ошибка запроса: %w", iter.Error())
	}

	for iter.Next() {
		elem := iter.Object()
		if elem == nil {
			continue
		}
		rec, ok := elem.(*domain.BookRecord)
		if !ok {
			r.logger.Error("ошибка приведения типов",
				zap.String("id", id),
				zap.String("тип", fmt.Sprintf("%T", elem)),
			)
			return nil, fmt.Errorf("внутренняя ошибка десериализации")
		}
		out := *rec
		r.logger.Debug("запись найдена", zap.String("id", id))
		return &out, nil
	}

	return nil, fmt.Errorf("книга не найдена: %s", id)
}

// Update обновляет существующую запись каталога.
func (r *ReindexerRepository) Update(ctx context.Context, rec *domain.BookRecord) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	r.mu.RLock()
	db := r.getConnection()
	r.mu.RUnlock()

	if db == nil {
		return fmt.Errorf("нет доступного соединения с БД")
	}

	if err := db.Upsert(booksNamespace, rec); err != nil {
		r.logger.Error("ошибка обновления записи каталога",
			zap.String("id", rec.ID),
			zap.Error(err),
		)
		r.updateHealthStatus(false, err, r.getHealthStatus().Connections)
		return fmt.Errorf("ошибка при обновлении: %w", err)
	}

	return nil
}

// Delete удаляет запись каталога по ID.
func (r *ReindexerRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	r.mu.RLock()
	db := r.getConnection()
	r.mu.RUnlock()

	if db == nil {
		return fmt.Errorf("нет доступного соединения с БД")
	}

	query := db.Query(booksNamespace).Where("id", reindexer.EQ, id)
	_, err := query.Delete()
	if err != nil {
		r.logger.Error("ошибка удаления записи каталога",
			zap.String("id", id),
			zap.Error(err),
		)
		r.updateHealthStatus(false, err, r.getHealthStatus().Connections)
		return fmt.Errorf("ошибка при удалении: %w", err)
	}

	return nil
}

// ListWithPagination возвращает страницу каталога, новые книги сверху.
func (r *ReindexerRepository) ListWithPagination(ctx context.Context, params domain.PaginationParams) (*domain.PaginatedResult, error) {
	// Увеличенный таймаут для списков, так как данных может быть много.
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout*2)
	defer cancel()

	r.mu.RLock()
	db := r.getConnection()
	r.mu.RUnlock()

	if db == nil {
		return nil, fmt.Errorf("нет доступного соединения с БД")
	}

	query := db.Query(booksNamespace).
		Sort("created_at", true). // Новые сверху
		Limit(params.Limit).
		Offset(params.Offset).
		ReqTotal()

	iter := query.Exec()
	defer iter.Close()

	if iter.Error() != nil {
		r.updateHealthStatus(false, iter.Error(), r.getHealthStatus().Connections)
		return nil, fmt.Errorf("ошибка запроса списка: %w", iter.Error())
	}

	var recs []*domain.BookRecord
	for iter.Next() {
		var rec domain.BookRecord
		if !iter.NextObj(&rec) {
			r.logger.Error("ошибка чтения записи из итератора")
			continue
		}
		recs = append(recs, &rec)
	}

	totalCount := iter.TotalCount()
	hasMore := params.Offset+len(recs) < totalCount

	return &domain.PaginatedResult{
		Items:   recs,
		Total:   totalCount,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: hasMore,
	}, nil
}

// CheckConnection проверяет здоровье соединения (для внешних health check'ов).
func (r *ReindexerRepository) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	r.mu.RLock()
	db := r.db
	r.mu.RUnlock()

	if db == nil {
		return fmt.Errorf("соединение не установлено")
	}

	if err := r.testConnection(ctx, db); err != nil {
		r.updateHealthStatus(false, err, r.getHealthStatus().Connections)
		return fmt.Errorf("проверка связи не прошла: %w", err)
	}

	r.updateHealthStatus(true, nil, r.getHealthStatus().Connections)
	return nil
}

// Close закрывает все соединения с базой данных.
func (r *ReindexerRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		r.db.Close()
		r.db = nil
	}

	for i, conn := range r.connections {
		if conn != nil {
			conn.Close()
			r.connections[i] = nil
		}
	}

	r.connections = r.connections[:0]
	r.updateHealthStatus(false, fmt.Errorf("соединение закрыто"), 0)

	return nil
}

// Проверка интерфейсов (compile-time check).
var (
	_ domain.BookRepository = (*ReindexerRepository)(nil)
	_ domain.HealthChecker  = (*ReindexerRepository)(nil)
)
