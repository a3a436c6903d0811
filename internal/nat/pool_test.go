// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nat

import "testing"

func TestAddrPoolRoundRobin(t *testing.T) {
	a, b, c := addr4(1, 1, 1, 1), addr4(2, 2, 2, 2), addr4(3, 3, 3, 3)
	pool := NewAddrPool(4, a, b, c)

	got := []string{}
	for i := 0; i < 6; i++ {
		got = append(got, string(pool.Next()[:4]))
	}
	want := []string{string(a[:4]), string(b[:4]), string(c[:4]), string(a[:4]), string(b[:4]), string(c[:4])}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pool.Next() sequence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
