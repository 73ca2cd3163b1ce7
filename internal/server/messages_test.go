// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/flow"
)

func identityRequest(header map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	return r
}

func TestRequestIdentityHeadersWin(t *testing.T) {
	meta := &anthropic.Metadata{
		UserID:         ptr.To("meta-user"),
		ConversationID: ptr.To("meta-conv"),
		RequestID:      ptr.To("meta-req"),
	}
	id, err := requestIdentity(identityRequest(map[string]string{
		"x-session-id":      "hdr-sess",
		"x-conversation-id": "hdr-conv",
		"x-request-id":      "hdr-req",
	}), meta)
	require.NoError(t, err)
	require.Equal(t, "hdr-sess", id.session)
	require.Equal(t, "hdr-conv", id.conversation)
	require.Equal(t, "hdr-req", id.request)
}

func TestRequestIdentityMetadataFallback(t *testing.T) {
	meta := &anthropic.Metadata{
		UserID:         ptr.To("meta-user"),
		ConversationID: ptr.To("meta-conv"),
		RequestID:      ptr.To("meta-req"),
	}
	id, err := requestIdentity(identityRequest(nil), meta)
	require.NoError(t, err)
	require.Equal(t, "meta-user", id.session)
	require.Equal(t, "meta-conv", id.conversation)
	require.Equal(t, "meta-req", id.request)
}

func TestRequestIdentityMintsMissingIDs(t *testing.T) {
	id, err := requestIdentity(identityRequest(nil), nil)
	require.NoError(t, err)
	for _, v := range []string{id.session, id.conversation, id.request} {
		_, parseErr := uuid.Parse(v)
		require.NoError(t, parseErr, "minted id %q must be a uuid", v)
	}
	require.NotEqual(t, id.session, id.conversation)
	require.NotEqual(t, id.conversation, id.request)
}

func TestRequestIdentityPriority(t *testing.T) {
	for _, tc := range []struct {
		name   string
		header map[string]string
		meta   *anthropic.Metadata
		want   flow.Priority
	}{
		{name: "defaults to medium", want: flow.PriorityMedium},
		{
			name:   "header selects",
			header: map[string]string{"x-priority": "high"},
			want:   flow.PriorityHigh,
		},
		{
			name: "background drops to low",
			meta: &anthropic.Metadata{Background: true},
			want: flow.PriorityLow,
		},
		{
			name:   "header beats background",
			header: map[string]string{"x-priority": "high"},
			meta:   &anthropic.Metadata{Background: true},
			want:   flow.PriorityHigh,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			id, err := requestIdentity(identityRequest(tc.header), tc.meta)
			require.NoError(t, err)
			require.Equal(t, tc.want, id.priority)
		})
	}
}

func TestRequestIdentityRejectsUnknownPriority(t *testing.T) {
	_, err := requestIdentity(identityRequest(map[string]string{"x-priority": "asap"}), nil)
	require.ErrorContains(t, err, `unknown priority "asap"`)
}
