package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
	"github.com/mihaimyh/cardsync/storage/memory"
)

func TestWriteDeadLetters(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := memory.New()
	require.NoError(t, mem.RecordDeadLetter(ctx, entitlement.DeadLetter{
		ID: "dl-old", Reason: entitlement.ReasonUserNotFound, CreatedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, mem.RecordDeadLetter(ctx, entitlement.DeadLetter{
		ID: "dl-new", Reason: entitlement.ReasonAmbiguousUser, UserID: "u1", CreatedAt: now,
	}))

	var out bytes.Buffer
	require.NoError(t, writeDeadLetters(ctx, &out, mem, now.Add(-time.Hour), 10))

	var got []entitlement.DeadLetter
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "dl-new", got[0].ID)
	assert.Equal(t, entitlement.ReasonAmbiguousUser, got[0].Reason)
}

func TestWriteDeadLetters_EmptyIsArray(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeDeadLetters(context.Background(), &out, memory.New(), time.Now(), 10))
	assert.JSONEq(t, `[]`, out.String())
}

func TestApp_DeadLettersListable(t *testing.T) {
	a, _ := setupTestApp(t)
	_, ok := a.deadLetters.(deadLetterLister)
	assert.True(t, ok)
}
