package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"inboxzero/internal/model"
)

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, mapError(fmt.Errorf("scan: %w", pgx.ErrNoRows)), ErrNotFound)
	assert.ErrorIs(t, mapError(&pgconn.PgError{Code: "23505"}), ErrDuplicate)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapError(other))
}

func TestActionRowRestoresFieldKinds(t *testing.T) {
	a := model.Action{
		Type:    model.ActionSendEmail,
		Subject: model.Template("Re: {{topic}}"),
		Content: model.Generated(),
		To:      model.Static("a@b.c"),
	}

	args := actionArgs(a)
	var row actionRow
	dest := row.dest()
	assert.Len(t, dest, len(args))

	row.typ = args[0].(string)
	row.subject = args[3].(*string)
	row.content = args[4].(*string)
	row.to = args[5].(*string)

	var out model.Action
	row.into(&out)
	assert.Equal(t, a, out)
}
