package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fairyhunter13/llmbroker/internal/adapter/repo/postgres"
)

func TestDispatchQueueRepo_Enqueue_PropagatesExecError(t *testing.T) {
	pool := &poolStub{execErr: errors.New("boom")}
	repo := postgres.NewDispatchQueueRepo(pool)

	if err := repo.Enqueue(context.Background(), "job-1"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDispatchQueueRepo_Enqueue_Succeeds(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewDispatchQueueRepo(pool)

	if err := repo.Enqueue(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDispatchQueueRepo_Read_PropagatesQueryError(t *testing.T) {
	pool := &poolStub{queryErr: errors.New("boom")}
	repo := postgres.NewDispatchQueueRepo(pool)

	_, err := repo.Read(context.Background(), 300, 10)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestDispatchQueueRepo_Delete_PropagatesExecError(t *testing.T) {
	pool := &poolStub{execErr: errors.New("boom")}
	repo := postgres.NewDispatchQueueRepo(pool)

	if err := repo.Delete(context.Background(), "msg-1"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDispatchQueueRepo_Archive_PropagatesExecError(t *testing.T) {
	pool := &poolStub{execErr: errors.New("boom")}
	repo := postgres.NewDispatchQueueRepo(pool)

	if err := repo.Archive(context.Background(), "msg-1"); err == nil {
		t.Fatalf("expected error")
	}
}
