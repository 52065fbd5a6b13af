// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

func TestNotFound_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"direct", store.NotFound("chat_1")},
		{"wrapped by fmt", fmt.Errorf("loading: %w", store.NotFound("chat_1"))},
		{"wrapped by afinaerr", afinaerr.Wrap(store.NotFound("chat_1"), afinaerr.CodeStoreKVGetFailure, "loading")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, store.ErrNotFound))
		})
	}
}

func TestNotFound_CarriesKeyField(t *testing.T) {
	err := store.NotFound("chat_9")
	assert.True(t, afinaerr.IsNotFound(err))
	assert.Equal(t, "chat_9", afinaerr.FieldsOf(err)["key"])
}
