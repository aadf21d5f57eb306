package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Writer 日志输出器接口
type Writer interface {
	io.Writer
	io.Closer
}

// NewWriter 根据输出目标创建输出器：stdout、stderr 或文件路径
func NewWriter(output string) (Writer, error) {
	switch output {
	case "", "stdout":
		return &consoleWriter{writer: os.Stdout}, nil
	case "stderr":
		return &consoleWriter{writer: os.Stderr}, nil
	}
	return NewFileWriter(output)
}

type consoleWriter struct {
	writer io.Writer
}

func (c *consoleWriter) Write(p []byte) (int, error) {
	return c.writer.Write(p)
}

// Close 控制台不需要关闭
func (c *consoleWriter) Close() error {
	return nil
}

// FileWriter 追加写入的文件输出器
type FileWriter struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileWriter 创建文件输出器，目录不存在时自动创建
func NewFileWriter(path string) (*FileWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("file path is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}

	return &FileWriter{path: path, file: file}, nil
}

func (f *FileWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return 0, fmt.Errorf("file %s is closed", f.path)
	}
	return f.file.Write(p)
}

func (f *FileWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}
