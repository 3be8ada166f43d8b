package bot

import "sync"

// KeyedMutex - таблица мьютексов по ключу (symbol:side).
//
// Мьютекс создаётся при первом обращении и удаляется, когда его
// больше никто не держит и не ждёт. Обработка ликвидации, применение
// исполнения и перестановка TP/SL по одному ключу идут строго
// последовательно; разные ключи обрабатываются параллельно.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex создаёт пустую таблицу блокировок
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyEntry)}
}

// Lock захватывает блокировку ключа и возвращает функцию освобождения.
// Использование: defer km.Lock(key)()
func (km *KeyedMutex) Lock(key string) func() {
	km.mu.Lock()
	e, ok := km.locks[key]
	if !ok {
		e = &keyEntry{}
		km.locks[key] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()

	return km.releaser(key, e)
}

// TryLock захватывает блокировку только если она свободна
func (km *KeyedMutex) TryLock(key string) (func(), bool) {
	km.mu.Lock()
	e, ok := km.locks[key]
	if !ok {
		e = &keyEntry{}
		km.locks[key] = e
	}
	if !e.mu.TryLock() {
		if e.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
		return nil, false
	}
	e.refs++
	km.mu.Unlock()

	return km.releaser(key, e), true
}

// Len - количество ключей, которые сейчас кем-то удерживаются или ожидаются
func (km *KeyedMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}

// releaser возвращает идемпотентную функцию освобождения ключа
func (km *KeyedMutex) releaser(key string, e *keyEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			km.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(km.locks, key)
			}
			km.mu.Unlock()
		})
	}
}
