// Package storage はジョブ単位の一時作業領域を管理します。
//
// 保存先: <root>/<jobID>/in/
// 削除: ジョブ終了時（成功・失敗・キャンセルのいずれでも一度だけ）
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrInvalidJobID はパスとして安全でないジョブIDの場合に返されます。
var ErrInvalidJobID = errors.New("invalid job id")

// Local はローカルファイルシステム上の作業領域を提供します。
type Local struct {
	root string
}

// NewLocal は root 配下に作業領域を作る Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

// Root は作業領域のルートを返します。
func (l *Local) Root() string {
	return l.root
}

// Create は jobID 用の作業領域を作成します。
func (l *Local) Create(jobID string) (*Workspace, error) {
	ws, err := l.Open(jobID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(ws.InDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return ws, nil
}

// Open は既存の作業領域への参照を返します（ディレクトリは作成しません）。
func (l *Local) Open(jobID string) (*Workspace, error) {
	if !validJobID(jobID) {
		return nil, ErrInvalidJobID
	}
	dir := filepath.Join(l.root, jobID)
	return &Workspace{
		JobID: jobID,
		Dir:   dir,
		InDir: filepath.Join(dir, "in"),
	}, nil
}

// Release はジョブの作業領域を削除します。存在しない場合は何もしません。
func (l *Local) Release(jobID string) error {
	ws, err := l.Open(jobID)
	if err != nil {
		return err
	}
	return ws.Release()
}

// Purge は root 配下に残った作業領域を削除します。
// ジョブ状態はプロセス内にしか存在しないため、起動時に残っている領域は孤児です。
// 名前がジョブID（UUID）でないディレクトリやファイルには触れません。
func (l *Local) Purge() (int, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !isJobDir(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Workspace はジョブ1件分の作業ディレクトリです。
type Workspace struct {
	JobID string
	Dir   string
	InDir string

	releaseOnce sync.Once
	releaseErr  error
}

// Save は r の内容を入力ディレクトリへ name として保存し、書き込んだパスとサイズを返します。
// limit が正の場合、それを超えた時点で ErrTooLarge を返します。
func (w *Workspace) Save(name string, r io.Reader, limit int64) (string, int64, error) {
	base := sanitizeFilename(name)
	path := filepath.Join(w.InDir, base)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create input file: %w", err)
	}
	defer dst.Close()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		return "", 0, fmt.Errorf("failed to write input file: %w", err)
	}
	if limit > 0 && n > limit {
		return "", n, ErrTooLarge
	}
	return path, n, nil
}

// ErrTooLarge は保存サイズが上限を超えた場合に返されます。
var ErrTooLarge = errors.New("file exceeds size limit")

// Release は作業ディレクトリを削除します。何度呼んでも削除は一度だけ行われます。
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	w.releaseOnce.Do(func() {
		w.releaseErr = removeDir(w.Dir)
	})
	return w.releaseErr
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// isJobDir は名前がジョブIDの形式かを判定します。
func isJobDir(name string) bool {
	_, err := uuid.Parse(name)
	return err == nil && len(name) == 36
}

func validJobID(jobID string) bool {
	if jobID == "" || jobID == "." || jobID == ".." {
		return false
	}
	return !strings.ContainsAny(jobID, `/\`)
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	base = strings.TrimSpace(base)
	if base == "" || base == "." || base == ".." || base == "/" {
		return "upload"
	}
	return base
}
