package zk

import "testing"

func TestPortPoolRoundRobin(t *testing.T) {
	p := NewPortPool(5200, 5202)
	got := []int{p.Next(), p.Next(), p.Next(), p.Next(), p.Next()}
	want := []int{5200, 5201, 5202, 5200, 5201}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}
}

func TestDefaultPortPoolRange(t *testing.T) {
	p := DefaultPortPool()
	for i := 0; i < 400; i++ {
		port := p.Next()
		if port < 5200 || port > 5500 {
			t.Fatalf("port %d outside 5200..5500", port)
		}
	}
}
