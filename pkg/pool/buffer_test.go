package pool

import "testing"

func TestBufferPool(t *testing.T) {
	t.Run("Get Returns Full Size", func(t *testing.T) {
		bp := NewBufferPool(4096)
		b := bp.Get()
		if len(*b) != 4096 {
			t.Errorf("got len %d, want 4096", len(*b))
		}
		if bp.Size() != 4096 {
			t.Errorf("got size %d, want 4096", bp.Size())
		}
	})

	t.Run("Put Restores Length", func(t *testing.T) {
		bp := NewBufferPool(1024)
		b := bp.Get()
		*b = (*b)[:10]
		bp.Put(b)
		got := bp.Get()
		if len(*got) != 1024 {
			t.Errorf("got len %d after reuse, want 1024", len(*got))
		}
	})

	t.Run("Foreign Buffers Are Dropped", func(t *testing.T) {
		bp := NewBufferPool(1024)
		foreign := make([]byte, 2048)
		bp.Put(&foreign) // must not panic or poison the pool
		bp.Put(nil)
		if got := bp.Get(); len(*got) != 1024 {
			t.Errorf("got len %d, want 1024", len(*got))
		}
	})

	t.Run("Non Positive Size", func(t *testing.T) {
		bp := NewBufferPool(0)
		if bp.Size() != 1 || len(*bp.Get()) != 1 {
			t.Errorf("expected a size of 1, got %d", bp.Size())
		}
	})
}
