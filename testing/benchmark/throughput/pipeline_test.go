package throughput_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/pipeline"
	"github.com/nexus-edge/plc-acquisition/testing/testutil"
	"github.com/rs/zerolog"
)

// BenchmarkQueue_PushPop measures one result through the bounded queue.
func BenchmarkQueue_PushPop(b *testing.B) {
	q := pipeline.NewQueue(1024, time.Second)
	result := testutil.MakePollResult("PLC1", "line1", 10)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := q.Push(ctx, result); err != nil {
			b.Fatal(err)
		}
		if _, ok := q.TryPop(); !ok {
			b.Fatal("expected a result")
		}
	}
}

// BenchmarkPollResult_Records measures expansion into tag records.
func BenchmarkPollResult_Records(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		result := testutil.MakePollResult("PLC1", "line1", size)
		b.Run(strconv.Itoa(size), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = result.Records()
			}
		})
	}
}

// BenchmarkDrainer_DrainRemaining measures queue to buffer transfer.
func BenchmarkDrainer_DrainRemaining(b *testing.B) {
	result := testutil.MakePollResult("PLC1", "line1", 50)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		q := pipeline.NewQueue(100, time.Second)
		buf := pipeline.NewBuffer(100*50, 500)
		for j := 0; j < 100; j++ {
			_ = q.Push(ctx, result)
		}
		d := pipeline.NewDrainer(q, buf, nil, zerolog.Nop())
		b.StartTimer()

		if n := d.DrainRemaining(); n != 100 {
			b.Fatalf("expected 100 results drained, got %d", n)
		}
	}
}

// BenchmarkBuffer_TakeBatch measures batch formation under load.
func BenchmarkBuffer_TakeBatch(b *testing.B) {
	records := testutil.MakePollResult("PLC1", "line1", 500).Records()
	buf := pipeline.NewBuffer(10000, 500)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf.PutAll(records)
		if batch := buf.TakeBatch(500); len(batch) != 500 {
			b.Fatalf("expected batch of 500, got %d", len(batch))
		}
	}
}
