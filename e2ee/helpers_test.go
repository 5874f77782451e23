// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package e2ee

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	pairsOnce sync.Once
	pairs     []*KeyPair
	pairsErr  error
)

// testPairs returns three key pairs shared by the package tests; RSA key
// generation is too slow to repeat per test.
func testPairs(t *testing.T) []*KeyPair {
	t.Helper()
	pairsOnce.Do(func() {
		for i := 0; i < 3; i++ {
			kp, err := GenerateKeyPair()
			if err != nil {
				pairsErr = err
				return
			}
			pairs = append(pairs, kp)
		}
	})
	require.NoError(t, pairsErr)
	return pairs
}
