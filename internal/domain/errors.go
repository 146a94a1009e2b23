package domain

import "errors"

// ErrNotFound возвращается репозиториями, когда запись отсутствует.
// Репозитории обязаны приводить ошибку хранилища «нет строк» к ней,
// чтобы границы могли отличить «не найдено» от сбоя.
var ErrNotFound = errors.New("запись не найдена")
