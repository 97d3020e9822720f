package parallel

import (
	"sync/atomic"
	"testing"
)

func TestParallelizeCoversRangeExactlyOnce(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{"empty", 0},
		{"single", 1},
		{"small", 7},
		{"larger than GOMAXPROCS", 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := make([]int32, tt.n)
			Parallelize(tt.n, func(start, end int) {
				for i := start; i < end; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
			})

			for i, h := range hits {
				if h != 1 {
					t.Fatalf("index %d visited %d times, want 1", i, h)
				}
			}
		})
	}
}

func TestParallelizeWithThresholdSequentialBelow(t *testing.T) {
	var calls int32
	ParallelizeWithThreshold(10, 100, func(start, end int) {
		atomic.AddInt32(&calls, 1)
		if start != 0 || end != 10 {
			t.Errorf("expected single chunk [0,10), got [%d,%d)", start, end)
		}
	})
	if calls != 1 {
		t.Errorf("expected exactly one sequential call, got %d", calls)
	}
}

func TestParallelizeWithThresholdParallelAbove(t *testing.T) {
	n := 10000
	sum := make([]int64, n)
	ParallelizeWithThreshold(n, 100, func(start, end int) {
		for i := start; i < end; i++ {
			sum[i] = int64(i)
		}
	})

	var total int64
	for _, v := range sum {
		total += v
	}
	want := int64(n) * int64(n-1) / 2
	if total != want {
		t.Errorf("sum = %d, want %d", total, want)
	}
}
