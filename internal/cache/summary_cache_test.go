package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"docmem-go/internal/constants"
	"docmem-go/internal/types"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRemote struct {
	data   map[string]string
	getErr error
	setErr error
	gets   int
}

func newMemRemote() *memRemote { return &memRemote{data: map[string]string{}} }

func (m *memRemote) Get(_ context.Context, key string) (string, error) {
	m.gets++
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memRemote) Set(_ context.Context, key, value string, _ time.Duration) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

func section(content string) types.DocumentSection {
	return types.DocumentSection{Title: "SKILLS", SectionType: types.SectionSkills, Content: content}
}

func TestSummaryCache_LocalRoundTrip(t *testing.T) {
	c, err := NewSummaryCache(1<<20, time.Hour)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, ok := c.Get(ctx, section("Go, SQL"))
	assert.False(t, ok)

	c.Set(ctx, section("Go, SQL"), "Knows Go and SQL.")
	c.Wait()

	got, ok := c.Get(ctx, section("Go, SQL"))
	require.True(t, ok)
	assert.Equal(t, "Knows Go and SQL.", got)

	_, ok = c.Get(ctx, section("Go, SQL, Rust"))
	assert.False(t, ok)
}

func TestSummaryCache_RemoteFillsLocal(t *testing.T) {
	remote := newMemRemote()
	sec := section("Kubernetes")
	remote.data[fmt.Sprintf(constants.KeySummaryCache, Key(sec))] = "Operates k8s."

	c, err := NewSummaryCache(1<<20, time.Hour, WithRemote(remote))
	require.NoError(t, err)
	defer c.Close()

	got, ok := c.Get(context.Background(), sec)
	require.True(t, ok)
	assert.Equal(t, "Operates k8s.", got)
	c.Wait()

	got, ok = c.Get(context.Background(), sec)
	require.True(t, ok)
	assert.Equal(t, "Operates k8s.", got)
	assert.Equal(t, 1, remote.gets)
}

func TestSummaryCache_RemoteErrorsIgnored(t *testing.T) {
	remote := newMemRemote()
	remote.getErr = errors.New("connection refused")
	remote.setErr = errors.New("connection refused")

	c, err := NewSummaryCache(1<<20, time.Hour, WithRemote(remote))
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get(context.Background(), section("x"))
	assert.False(t, ok)
	assert.NotPanics(t, func() { c.Set(context.Background(), section("x"), "y") })
}

func TestSummaryCache_NilSafe(t *testing.T) {
	var c *SummaryCache
	_, ok := c.Get(context.Background(), section("x"))
	assert.False(t, ok)
	c.Set(context.Background(), section("x"), "y")
	c.Wait()
	c.Close()
}

func TestKey_DependsOnAllFields(t *testing.T) {
	a := section("same")
	b := a
	b.Title = "OTHER"
	c := a
	c.SectionType = types.SectionGeneral
	assert.NotEqual(t, Key(a), Key(b))
	assert.NotEqual(t, Key(a), Key(c))
	assert.Equal(t, Key(a), Key(section("same")))
}
