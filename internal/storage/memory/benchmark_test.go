package memory

import (
	"context"
	"fmt"
	"testing"

	"mockmail/backend/internal/domain"
)

func BenchmarkMemoryStore_CreateMessage(b *testing.B) {
	ctx := context.Background()
	store := NewStore()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("msg-%d@example.com", i)
		_ = store.CreateMessage(ctx, &domain.Message{
			MailboxID: fmt.Sprintf("mailbox-%d", i%100),
			OwnerID:   "acc-1",
			DedupKey:  &key,
			Subject:   "benchmark",
		})
	}
}

func BenchmarkMemoryStore_GetMessageByDedupKey(b *testing.B) {
	ctx := context.Background()
	store := NewStore()

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("msg-%d@example.com", i)
		_ = store.CreateMessage(ctx, &domain.Message{MailboxID: "mailbox-1", DedupKey: &key})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.GetMessageByDedupKey(ctx, fmt.Sprintf("msg-%d@example.com", i%1000))
	}
}

func BenchmarkMemoryStore_ConcurrentLookup(b *testing.B) {
	ctx := context.Background()
	store := NewStore()
	for i := 0; i < 1000; i++ {
		_ = store.CreateMailbox(ctx, &domain.Mailbox{Address: fmt.Sprintf("box%d@mockmail.dev", i), OwnerID: "acc-1"})
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = store.GetMailboxByAddress(ctx, fmt.Sprintf("box%d@mockmail.dev", i%1000))
			i++
		}
	})
}
