package domain

import "errors"

// Общие доменные ошибки. Репозитории возвращают их напрямую, сервисы и
// хендлеры различают через errors.Is.
var (
	// ErrProcessNotFound — callback для неизвестного process_id
	ErrProcessNotFound = errors.New("process not found")

	// ErrAlreadyProcessing — задачу уже забрал другой продюсер. Это штатная
	// гонка, а не ошибка: логируется с пониженной серьезностью и не ретраится.
	ErrAlreadyProcessing = errors.New("process already claimed")

	// ErrInvalidTransition — результат пришел для процесса, который еще не
	// был отправлен воркеру. Нарушение протокола, отдается как 4xx.
	ErrInvalidTransition = errors.New("outcome not allowed from current state")

	ErrFileNotFound   = errors.New("file not found")
	ErrResultNotFound = errors.New("result not found")
)
