package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"inboxzero/internal/model"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

const uniqueViolation = "23505"

// DB 仓储依赖的连接池能力，*pgxpool.Pool 满足该接口
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// inTx 在事务中执行 fn，fn 出错回滚，否则提交
func inTx(ctx context.Context, db DB, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// mapError 将 pgx 错误转换为仓储层错误
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

// actionColumns 动作字段列，actions / executed_actions / scheduled_actions 共用
const actionColumns = "type, label, label_id, subject, content, to_address, cc, bcc, url, folder_name, folder_id"

func actionArgs(a model.Action) []any {
	return []any{
		string(a.Type),
		a.Label.Raw(),
		a.LabelID.Raw(),
		a.Subject.Raw(),
		a.Content.Raw(),
		a.To.Raw(),
		a.Cc.Raw(),
		a.Bcc.Raw(),
		a.URL.Raw(),
		a.FolderName.Raw(),
		a.FolderID.Raw(),
	}
}

// actionRow 扫描动作字段列
type actionRow struct {
	typ        string
	label      *string
	labelID    *string
	subject    *string
	content    *string
	to         *string
	cc         *string
	bcc        *string
	url        *string
	folderName *string
	folderID   *string
}

func (r *actionRow) dest() []any {
	return []any{
		&r.typ, &r.label, &r.labelID, &r.subject, &r.content,
		&r.to, &r.cc, &r.bcc, &r.url, &r.folderName, &r.folderID,
	}
}

func (r *actionRow) into(a *model.Action) {
	a.Type = model.ActionType(r.typ)
	a.Label = model.ParseNullableField(r.label)
	a.LabelID = model.ParseNullableField(r.labelID)
	a.Subject = model.ParseNullableField(r.subject)
	a.Content = model.ParseNullableField(r.content)
	a.To = model.ParseNullableField(r.to)
	a.Cc = model.ParseNullableField(r.cc)
	a.Bcc = model.ParseNullableField(r.bcc)
	a.URL = model.ParseNullableField(r.url)
	a.FolderName = model.ParseNullableField(r.folderName)
	a.FolderID = model.ParseNullableField(r.folderID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
