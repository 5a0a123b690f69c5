package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"inboxzero/internal/llm"
	"inboxzero/internal/model"
)

const maxThreadMessages = 10

// DraftGenerator 根据整个线程生成回复草稿
type DraftGenerator struct {
	llm llm.Client
}

func NewDraftGenerator(client llm.Client) *DraftGenerator {
	return &DraftGenerator{llm: client}
}

func (d *DraftGenerator) DraftForThread(ctx context.Context, account *model.EmailAccount, msg *model.ParsedMessage, threads ThreadFetcher) (string, error) {
	messages := []model.ParsedMessage{*msg}
	if threads != nil && msg.ThreadID != "" {
		thread, err := threads.GetThreadMessages(ctx, msg.ThreadID)
		if err != nil {
			return "", fmt.Errorf("fetch thread: %w", err)
		}
		if len(thread) > 0 {
			messages = thread
		}
	}
	if len(messages) > maxThreadMessages {
		messages = messages[len(messages)-maxThreadMessages:]
	}

	system := "You are an expert assistant that drafts email replies on behalf of the user.\n" +
		"Write a reply to the last email in the thread. Keep it concise and friendly.\n" +
		"Do not include a subject line or a signature. Never use placeholders." +
		userAboutBlock(account.About)
	user := fmt.Sprintf("The user's email address is %s.\n\nHere is the thread, oldest first:\n%s",
		account.Email, StringifyThread(messages, maxEmailContentLength))

	text, err := d.llm.Complete(ctx, "draft_reply", system, user)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty draft")
	}
	return text, nil
}
