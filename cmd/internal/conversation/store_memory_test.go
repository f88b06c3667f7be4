package conversation

import "testing"

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}
