package store

import (
	"context"

	"github.com/nextlevelbuilder/chatweave/internal/thread"
)

// ThreadArchive persists DEAD threads before they are dropped from memory.
// Archive must be durable on return: a nil error means the sweep may forget
// the thread.
type ThreadArchive interface {
	Archive(ctx context.Context, th *thread.Thread) error
	Close() error
}

// StateStore persists engine state snapshots (thread tables per channel) so
// a restart resumes with open threads and pending groups intact.
type StateStore interface {
	Load() (map[string]*thread.Table, error)
	Save(tables map[string]*thread.Table) error
}

// NopArchive discards threads. Used when no archive backend is configured.
type NopArchive struct{}

func (NopArchive) Archive(context.Context, *thread.Thread) error { return nil }
func (NopArchive) Close() error                                  { return nil }
