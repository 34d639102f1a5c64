package usecases

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codedread/kthoom/internal/book"
	"github.com/codedread/kthoom/internal/domain"
)

// Ошибки уровня бизнес-логики.
var (
	ErrShelfFull    = errors.New("library: shelf is full")
	ErrBookNotFound = errors.New("library: book not found")
	ErrPageNotFound = errors.New("library: page not found")
	ErrPageNotReady = errors.New("library: page not extracted yet")
)

// LibraryUsecase отвечает за бизнес-логику "полки" открытых книг.
// Он связывает воедино оркестратор загрузки (book.Book), движок
// распаковки (binder), каталог в базе и кэш страниц.
// Главные задачи:
// 1. Жизненный цикл книги: открыть -> загрузить -> распаковать -> закрыть.
// 2. Кэширование страниц (Cache-Aside).
// 3. Контроль нагрузки (Rate Limiting) и фоновые загрузки по URI.
type LibraryUsecase struct {
	repo    domain.BookRepository
	cache   domain.Cache
	factory domain.BinderFactory
	client  *http.Client
	logger  *zap.Logger

	// Полка: живые книги по ID. Байты и страницы живут здесь,
	// в каталог уходит только описательное состояние.
	mu           sync.Mutex
	books        map[string]*book.Book
	maxOpenBooks int

	// Управление конкурентностью.
	wg          sync.WaitGroup
	loads       *errgroup.Group // фоновые загрузки по URI
	rateLimiter *RateLimiter    // семафор для ограничения одновременных операций
}

// RateLimiter — простой ограничитель нагрузки на семафоре.
// Не дает запустить больше N операций одновременно, защищая ресурсы сервера.
type RateLimiter struct {
	semaphore     chan struct{}
	maxConcurrent int
}

// NewRateLimiter создает ограничитель с буфером на maxConcurrent запросов.
func NewRateLimiter(maxConcurrent int) *RateLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 10
	}
	return &RateLimiter{
		semaphore:     make(chan struct{}, maxConcurrent),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire пытается получить разрешение на работу.
// Если лимит исчерпан — блокируется и ждет, пока кто-то не освободит место.
// Если контекст отменен (например, таймаут запроса) — возвращает ошибку.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case rl.semaphore <- struct{}{}:
		return nil
	}
}

// Release освобождает место для следующих запросов.
func (rl *RateLimiter) Release() {
	select {
	case <-rl.semaphore:
	default:
		// Защита от паники при попытке освободить пустой семафор
	}
}

// NewLibraryUsecase создает usecase полки.
func NewLibraryUsecase(
	repo domain.BookRepository,
	cache domain.Cache,
	factory domain.BinderFactory,
	client *http.Client,
	logger *zap.Logger,
	maxConcurrentOps int,
	maxOpenBooks int,
) *LibraryUsecase {
	if maxConcurrentOps < 1 {
		maxConcurrentOps = 10
	}
	if maxOpenBooks < 1 {
		maxOpenBooks = 64
	}
	if client == nil {
		client = http.DefaultClient
	}

	loads := &errgroup.Group{}
	loads.SetLimit(maxConcurrentOps)

	return &LibraryUsecase{
		repo:         repo,
		cache:        cache,
		factory:      factory,
		client:       client,
		logger:       logger,
		books:        make(map[string]*book.Book),
		maxOpenBooks: maxOpenBooks,
		loads:        loads,
		rateLimiter:  NewRateLimiter(maxConcurrentOps),
	}
}

// shelve регистрирует новую книгу на полке и создает запись каталога.
func (u *LibraryUsecase) shelve(ctx context.Context, name string, bk *book.Book) (string, error) {
	id := uuid.New().String()

	u.mu.Lock()
	if len(u.books) >= u.maxOpenBooks {
		u.mu.Unlock()
		return "", ErrShelfFull
	}
	u.books[id] = bk
	u.mu.Unlock()

	rec := &domain.BookRecord{
		ID:        id,
		Name:      name,
		State:     domain.BookStateLoading,
		CreatedAt: time.Now().UTC(),
	}
	if err := u.repo.Create(ctx, rec); err != nil {
		u.mu.Lock()
		delete(u.books, id)
		u.mu.Unlock()
		return "", fmt.Errorf("ошибка записи в каталог: %w", err)
	}

	// Подписываемся на события книги, чтобы каталог отражал её этапы.
	u.watchBook(id, bk)

	u.logger.Info("книга поставлена на полку",
		zap.String("id", id),
		zap.String("name", name),
	)
	return id, nil
}

// watchBook транслирует события книги в обновления записи каталога.
// Обновляем только переходы этапов, а не каждый Progress — иначе
// зальём базу мелкими апдейтами.
func (u *LibraryUsecase) watchBook(id string, bk *book.Book) {
	bk.Subscribe(func(ev domain.Event) {
		switch ev.Type() {
		case domain.EventLoadingComplete:
			u.updateRecordAsync(id, func(rec *domain.BookRecord) {
				rec.State = domain.BookStateLoaded
			})
		case domain.EventBindingComplete:
			mime, _ := bk.MIMEType()
			pages := bk.NumberOfPages()
			u.updateRecordAsync(id, func(rec *domain.BookRecord) {
				rec.State = domain.BookStateBound
				rec.MIMEType = mime
				rec.Pages = pages
			})
		}
	})
}

// updateRecordAsync читает, мутирует и сохраняет запись каталога в фоне.
func (u *LibraryUsecase) updateRecordAsync(id string, mutate func(*domain.BookRecord)) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		rec, err := u.repo.GetByID(ctx, id)
		if err != nil {
			u.logger.Warn("не удалось прочитать запись каталога",
				zap.String("id", id),
				zap.Error(err),
			)
			return
		}
		mutate(rec)
		if err := u.repo.Update(ctx, rec); err != nil {
			u.logger.Warn("не удалось обновить запись каталога",
				zap.String("id", id),
				zap.Error(err),
			)
		}
	}()
}

// markFailedAsync переводит запись каталога в состояние failed.
func (u *LibraryUsecase) markFailedAsync(id string) {
	u.updateRecordAsync(id, func(rec *domain.BookRecord) {
		rec.State = domain.BookStateFailed
	})
}

// OpenFromProducer открывает книгу, байты которой приходят от внешнего
// источника (например, стриминговая загрузка файла). Блокируется до конца
// потока: к возврату книга либо полностью загружена, либо провалена.
func (u *LibraryUsecase) OpenFromProducer(ctx context.Context, name string, producer domain.PushProducer) (string, error) {
	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return "", fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	bk := book.NewForPush(name, u.factory, u.logger)
	id, err := u.shelve(ctx, name, bk)
	if err != nil {
		return "", err
	}

	if err := bk.LoadFromProducer(ctx, producer); err != nil {
		u.markFailedAsync(id)
		return id, fmt.Errorf("загрузка провалена: %w", err)
	}
	return id, nil
}

// OpenFromBuffer открывает книгу из уже полученного целиком буфера.
func (u *LibraryUsecase) OpenFromBuffer(ctx context.Context, name string, payload []byte) (string, error) {
	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return "", fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	bk := book.NewForPush(name, u.factory, u.logger)
	id, err := u.shelve(ctx, name, bk)
	if err != nil {
		return "", err
	}

	if err := bk.LoadFromBuffer(ctx, payload); err != nil {
		u.markFailedAsync(id)
		return id, fmt.Errorf("загрузка провалена: %w", err)
	}
	return id, nil
}

// OpenFromURI открывает книгу, стримя её по HTTP в фоне. Возвращает ID
// сразу; прогресс наблюдается через Progress и запись каталога.
func (u *LibraryUsecase) OpenFromURI(ctx context.Context, name, uri string) (string, error) {
	bk := book.NewFromURI(name, uri, u.factory, u.logger)
	bk.SetHTTPClient(u.client)

	id, err := u.shelve(ctx, name, bk)
	if err != nil {
		return "", err
	}

	u.loads.Go(func() error {
		// Загрузка живет дольше HTTP-запроса, который её начал,
		// поэтому фоновая горутина работает на своем контексте.
		loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := bk.Load(loadCtx); err != nil {
			u.logger.Error("фоновая загрузка провалена",
				zap.String("id", id),
				zap.String("uri", uri),
				zap.Error(err),
			)
			u.markFailedAsync(id)
		}
		return nil
	})

	return id, nil
}

// OpenFromFile открывает книгу из локального файла (импорт с диска).
func (u *LibraryUsecase) OpenFromFile(ctx context.Context, name, path string) (string, error) {
	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return "", fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	bk := book.NewFromFile(name, path, u.factory, u.logger)
	id, err := u.shelve(ctx, name, bk)
	if err != nil {
		return "", err
	}

	if err := bk.Load(ctx); err != nil {
		u.markFailedAsync(id)
		return id, fmt.Errorf("загрузка провалена: %w", err)
	}
	return id, nil
}

// lookup возвращает живую книгу с полки.
func (u *LibraryUsecase) lookup(id string) (*book.Book, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	bk, ok := u.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	return bk, nil
}

// GetBook возвращает запись каталога.
func (u *LibraryUsecase) GetBook(ctx context.Context, id string) (*domain.BookRecord, error) {
	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	rec, err := u.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, id)
	}
	return rec, nil
}

// Metadata возвращает метаданные живой книги.
func (u *LibraryUsecase) Metadata(id string) (domain.BookMetadata, error) {
	bk, err := u.lookup(id)
	if err != nil {
		return domain.BookMetadata{}, err
	}
	return bk.Metadata(), nil
}

// BookProgress — срез трехфазного прогресса книги.
type BookProgress struct {
	Loading         float64 `json:"loading"`
	Unarchiving     float64 `json:"unarchiving"`
	Layout          float64 `json:"layout"`
	Pages           int     `json:"pages"`
	FinishedLoading bool    `json:"finished_loading"`
	FinishedBinding bool    `json:"finished_binding"`
}

// Progress возвращает текущий прогресс загрузки/распаковки/верстки.
func (u *LibraryUsecase) Progress(id string) (BookProgress, error) {
	bk, err := u.lookup(id)
	if err != nil {
		return BookProgress{}, err
	}
	return BookProgress{
		Loading:         bk.LoadingPercentage(),
		Unarchiving:     bk.UnarchivingPercentage(),
		Layout:          bk.LayoutPercentage(),
		Pages:           bk.NumberOfPages(),
		FinishedLoading: bk.FinishedLoading(),
		FinishedBinding: bk.FinishedBinding(),
	}, nil
}

// ListBooks возвращает страницу каталога.
func (u *LibraryUsecase) ListBooks(ctx context.Context, params domain.PaginationParams) (*domain.PaginatedResult, error) {
	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	result, err := u.repo.ListWithPagination(ctx, params)
	if err != nil {
		u.logger.Error("ошибка получения списка", zap.Error(err))
		return nil, err
	}
	return result, nil
}

// GetPage отдает страницу книги.
// Реализует паттерн Cache-Aside:
// 1. Ищем в кэше. Нашли -> вернули.
// 2. Не нашли -> берем из живой книги.
// 3. Нашли в книге -> асинхронно кладем в кэш -> вернули результат.
func (u *LibraryUsecase) GetPage(ctx context.Context, id string, index int) (domain.Page, error) {
	cacheKey := fmt.Sprintf("%s/%d", id, index)

	// 1. Проверка кэша (быстрый путь)
	if page, ok := u.cache.Get(ctx, cacheKey); ok {
		u.logger.Debug("попадание в кэш",
			zap.String("id", id),
			zap.Int("page", index),
		)
		return page, nil
	}

	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return domain.Page{}, fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	// 2. Живая книга (медленный путь)
	bk, err := u.lookup(id)
	if err != nil {
		return domain.Page{}, err
	}

	page, ok := bk.Page(index)
	if !ok {
		// Страница может быть еще не распакована: каталог уже обещает
		// больше страниц, чем извлечено.
		if index >= 0 && index < bk.NumberOfPages() && !bk.FinishedBinding() {
			return domain.Page{}, ErrPageNotReady
		}
		return domain.Page{}, ErrPageNotFound
	}

	// 3. Сохранение в кэш (асинхронно, чтобы не задерживать ответ)
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		cacheCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := u.cache.Set(cacheCtx, cacheKey, page); err != nil {
			u.logger.Warn("не удалось закэшировать страницу",
				zap.String("id", id),
				zap.Int("page", index),
				zap.Error(err),
			)
		}
	}()

	return page, nil
}

// RemoveBook снимает книгу с полки, удаляет запись каталога и чистит кэш.
func (u *LibraryUsecase) RemoveBook(ctx context.Context, id string) error {
	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	u.mu.Lock()
	bk, ok := u.books[id]
	delete(u.books, id)
	u.mu.Unlock()

	if !ok {
		return ErrBookNotFound
	}

	if err := bk.Close(); err != nil {
		u.logger.Warn("ошибка закрытия книги",
			zap.String("id", id),
			zap.Error(err),
		)
	}

	if err := u.repo.Delete(ctx, id); err != nil {
		u.logger.Error("ошибка удаления из каталога",
			zap.String("id", id),
			zap.Error(err),
		)
		return err
	}

	// Чистим кэш страниц в фоне.
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := u.cache.DeletePrefix(cacheCtx, id+"/"); err != nil {
			u.logger.Warn("не удалось очистить кэш страниц",
				zap.String("id", id),
				zap.Error(err),
			)
		}
	}()

	u.logger.Info("книга снята с полки", zap.String("id", id))
	return nil
}

// OpenBooks возвращает число книг на полке (для health-check).
func (u *LibraryUsecase) OpenBooks() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.books)
}

// Shutdown корректно останавливает работу usecase'а:
// дожидается фоновых загрузок, закрывает книги и фоновые задачи.
func (u *LibraryUsecase) Shutdown() {
	// Ждем фоновые загрузки по URI.
	_ = u.loads.Wait()

	u.mu.Lock()
	books := make([]*book.Book, 0, len(u.books))
	for _, bk := range u.books {
		books = append(books, bk)
	}
	u.books = make(map[string]*book.Book)
	u.mu.Unlock()

	for _, bk := range books {
		if err := bk.Close(); err != nil {
			u.logger.Warn("ошибка закрытия книги при остановке", zap.Error(err))
		}
	}

	// Ждем фоновые обновления каталога и кэша.
	u.wg.Wait()

	u.logger.Info("бизнес-логика остановлена")
}
