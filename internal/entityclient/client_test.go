package entityclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/pkg/domain"
)

func newTestServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var auth []string
	mux := http.NewServeMux()
	mux.HandleFunc("/documents/abc", func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"uuid": "abc", "entity_type": "Sample"})
	})
	mux.HandleFunc("/documents/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such entity", http.StatusNotFound)
	})
	mux.HandleFunc("/documents/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	mux.HandleFunc("/ancestors/abc", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "uuid", r.URL.Query().Get("property"))
		_, _ = w.Write([]byte(`["d1","s1"]`))
	})
	mux.HandleFunc("/entities/abc/collections", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"uuid":"c1"},{"uuid":""}]`))
	})
	mux.HandleFunc("/donor/entities", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`["d1","d2"]`))
	})
	mux.HandleFunc("/visibility/c1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`"public"`))
	})
	mux.HandleFunc("/visibility/c2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"visibility":"private"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &auth
}

func TestClientGetDocument(t *testing.T) {
	srv, auth := newTestServer(t)
	c, err := New(srv.URL+"/", WithStaticToken("static"))
	require.NoError(t, err)

	doc, err := c.GetDocument(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.UUID())

	_, err = c.GetDocument(ContextWithToken(context.Background(), "caller"), "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer static", "Bearer caller"}, *auth)
}

func TestClientErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.GetDocument(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEntityNotFound))
	assert.Equal(t, domain.OutcomeSkip, domain.Classify(err))

	_, err = c.GetDocument(context.Background(), "broken")
	var up *domain.UpstreamError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusBadGateway, up.Status)
	assert.Equal(t, domain.OutcomeRetryable, domain.Classify(err))

	_, err = New("")
	require.Error(t, err)
}

func TestClientRelationsAndTypes(t *testing.T) {
	srv, _ := newTestServer(t)
	c, err := New(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	ids, err := c.GetIDsByRelation(ctx, "abc", domain.RelAncestors)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "s1"}, ids)

	ids, err = c.GetIDsByRelation(ctx, "abc", domain.RelCollections)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	ids, err = c.GetIDsByType(ctx, domain.EntityDonor)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, ids)

	_, err = c.GetIDsByRelation(ctx, "abc", domain.Relation("siblings"))
	require.Error(t, err)
}

func TestClientVisibility(t *testing.T) {
	srv, _ := newTestServer(t)
	c, err := New(srv.URL)
	require.NoError(t, err)

	v, err := c.GetVisibility(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "public", v)

	v, err = c.GetVisibility(context.Background(), "c2")
	require.NoError(t, err)
	assert.Equal(t, "private", v)
}

func TestMemoryTransitiveRelations(t *testing.T) {
	m := NewMemory()
	m.Put(domain.Document{"uuid": "d", "entity_type": "Donor"})
	m.Put(domain.Document{"uuid": "s", "entity_type": "Sample"})
	m.Put(domain.Document{"uuid": "x", "entity_type": "Dataset"})
	m.Link("d", "s")
	m.Link("s", "x")
	ctx := context.Background()

	anc, err := m.GetIDsByRelation(ctx, "x", domain.RelAncestors)
	require.NoError(t, err)
	assert.Equal(t, []string{"s", "d"}, anc)

	desc, err := m.GetIDsByRelation(ctx, "d", domain.RelDescendants)
	require.NoError(t, err)
	assert.Equal(t, []string{"s", "x"}, desc)

	donors, err := m.GetIDsByType(ctx, domain.EntityDonor)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, donors)

	m.FailOn("x", errors.New("down"))
	_, err = m.GetDocument(ctx, "x")
	assert.Equal(t, domain.OutcomeRetryable, domain.Classify(err))
	assert.Equal(t, 1, m.Fetches("x"))

	_, err = m.GetDocument(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrEntityNotFound))
}
