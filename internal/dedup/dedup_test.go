// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCache_AdmitTwice verifies the second admission of a key is rejected.
func TestCache_AdmitTwice(t *testing.T) {
	c := NewCache(DefaultCeiling)

	assert.True(t, c.Admit("k"))
	assert.False(t, c.Admit("k"))
	assert.Equal(t, 1, c.Len())
}

// TestCache_ResetsPastCeiling verifies the whole set is dropped once it
// exceeds the ceiling, and that a forgotten key is admitted again.
func TestCache_ResetsPastCeiling(t *testing.T) {
	c := NewCache(0)

	for i := 0; i < DefaultCeiling; i++ {
		require.True(t, c.Admit(fmt.Sprintf("key-%d", i)))
	}
	assert.Equal(t, DefaultCeiling, c.Len())
	assert.False(t, c.Admit("key-0"))

	// The 101st distinct key overflows the ceiling and clears the set.
	assert.True(t, c.Admit("key-overflow"))
	assert.Equal(t, 0, c.Len())

	assert.True(t, c.Admit("key-0"), "forgotten key should be admitted again")
	assert.Equal(t, 1, c.Len())
}

// TestCache_NeverGrowsUnbounded admits many keys and checks the size bound.
func TestCache_NeverGrowsUnbounded(t *testing.T) {
	c := NewCache(10)
	for i := 0; i < 1000; i++ {
		c.Admit(fmt.Sprintf("key-%d", i))
		require.LessOrEqual(t, c.Len(), 10)
	}
}

// TestCache_ConcurrentSameKey verifies exactly one of many simultaneous
// admissions of one key wins.
func TestCache_ConcurrentSameKey(t *testing.T) {
	c := NewCache(DefaultCeiling)

	const workers = 50
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if c.Admit("same-key") {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

// TestLocal_Admitter verifies the Admitter adapter never returns an error.
func TestLocal_Admitter(t *testing.T) {
	a := Local(NewCache(DefaultCeiling))

	ok, err := a.Admit(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Admit(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestKey verifies the key is deterministic and sensitive to every part.
func TestKey(t *testing.T) {
	base := Key("C1", "U1", "1700000000.000100", "<@UBOT> Jane jane@acme.com")

	assert.Equal(t, base, Key("C1", "U1", "1700000000.000100", "<@UBOT> Jane jane@acme.com"))
	assert.NotEqual(t, base, Key("C2", "U1", "1700000000.000100", "<@UBOT> Jane jane@acme.com"))
	assert.NotEqual(t, base, Key("C1", "U2", "1700000000.000100", "<@UBOT> Jane jane@acme.com"))
	assert.NotEqual(t, base, Key("C1", "U1", "1700000000.000200", "<@UBOT> Jane jane@acme.com"))
	assert.NotEqual(t, base, Key("C1", "U1", "1700000000.000100", "<@UBOT> Jane jane@acme.org"))

	// xxhash64 of the empty string is a published constant.
	assert.Equal(t, "|||ef46db3751d8e999", Key("", "", "", ""))
}
