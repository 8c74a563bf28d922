// Copyright Project Contour Authors
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

package gdperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	st := New(SEVERE, ModuleStorage, DetailPhysioError, cause)

	require.Error(t, st)
	assert.Equal(t, SEVERE, st.Severity)
	assert.Equal(t, "PhysioError", Name(st))
	assert.ErrorIs(t, st, cause)
}

func TestNilStatusIsOK(t *testing.T) {
	var st *Status
	assert.True(t, st.IsOK())

	ok := New(OK, ModuleCore, 0, nil)
	assert.True(t, ok.IsOK())

	bad := New(ERROR, ModuleCore, DetailNotFound, nil)
	assert.False(t, bad.IsOK())
}

func TestWrapReturnsNilForNilErr(t *testing.T) {
	assert.Nil(t, Wrap(nil, ERROR, ModuleCore, DetailNotFound))
}

func TestAckNakRangeClassification(t *testing.T) {
	assert.True(t, IsAck(200))
	assert.True(t, IsAck(263))
	assert.False(t, IsAck(264))

	assert.True(t, IsClientNak(404))
	assert.True(t, IsServerNak(500))
	assert.True(t, IsRouteNak(600))
	assert.False(t, IsRouteNak(199))
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "ABORT", ABORT.String())
	assert.Equal(t, "Severity(99)", Severity(99).String())
}
