// Package storage — утилиты работы с локальными служебными файлами.
// Единственный файл, который ядро держит на диске, — bbolt-состояние
// менеджера апдейтов; каталог под него создаётся здесь.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFilePerm — права на служебные файлы: доступ только владельцу процесса.
const DefaultFilePerm = 0o600

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
func EnsureDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}
