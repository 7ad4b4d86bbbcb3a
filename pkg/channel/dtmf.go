package channel

import "sync"

// DefaultDTMFCapacity емкость очереди DTMF по умолчанию
const DefaultDTMFCapacity = 128

// DTMFQueue ограниченная FIFO-очередь цифр DTMF.
// Производитель (поток сигнализации) и потребитель (приложение) работают
// с ней конкурентно; цифры добавляются пачкой атомарно.
type DTMFQueue struct {
	mu    sync.Mutex
	buf   []byte
	head  int // индекс первой цифры
	count int
}

// NewDTMFQueue создает очередь заданной емкости
func NewDTMFQueue(capacity int) *DTMFQueue {
	if capacity <= 0 {
		capacity = DefaultDTMFCapacity
	}
	return &DTMFQueue{buf: make([]byte, capacity)}
}

// IsDTMFDigit проверяет допустимость символа: 0-9 * # A-D
func IsDTMFDigit(d byte) bool {
	switch {
	case d >= '0' && d <= '9':
		return true
	case d == '*' || d == '#':
		return true
	case d >= 'A' && d <= 'D':
		return true
	}
	return false
}

// normalizeDigits приводит a-d к верхнему регистру и проверяет символы
func normalizeDigits(digits string) ([]byte, error) {
	out := make([]byte, len(digits))
	for i := 0; i < len(digits); i++ {
		d := digits[i]
		if d >= 'a' && d <= 'd' {
			d -= 'a' - 'A'
		}
		if !IsDTMFDigit(d) {
			return nil, ErrInvalidDTMFDigit(digits[i])
		}
		out[i] = d
	}
	return out, nil
}

// Queue добавляет все цифры или ни одной.
// При нехватке места возвращает ошибку с ErrQueueFull, очередь не меняется.
func (q *DTMFQueue) Queue(digits string) error {
	norm, err := normalizeDigits(digits)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count+len(norm) > len(q.buf) {
		return ErrDTMFQueueFull(q.count, len(norm), len(q.buf))
	}
	for _, d := range norm {
		q.buf[(q.head+q.count)%len(q.buf)] = d
		q.count++
	}
	return nil
}

// Dequeue копирует в buf до len(buf) цифр в порядке поступления
// и удаляет их из очереди. Возвращает количество скопированных.
func (q *DTMFQueue) Dequeue(buf []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(buf)
	if n > q.count {
		n = q.count
	}
	for i := 0; i < n; i++ {
		buf[i] = q.buf[q.head]
		q.head = (q.head + 1) % len(q.buf)
	}
	q.count -= n
	if q.count == 0 {
		q.head = 0
	}
	return n
}

// Len количество цифр в очереди
func (q *DTMFQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap емкость очереди
func (q *DTMFQueue) Cap() int {
	return len(q.buf)
}

// Flush удаляет все цифры и возвращает их количество
func (q *DTMFQueue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.count
	q.head, q.count = 0, 0
	return n
}
