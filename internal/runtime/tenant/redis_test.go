package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHashes struct {
	key    string
	fields map[string]string
	err    error
}

func (f *fakeHashes) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.key = key
	return redis.NewMapStringStringResult(f.fields, f.err)
}

func (f *fakeHashes) HGet(_ context.Context, key, field string) *redis.StringCmd {
	f.key = key
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.fields[field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func TestRedisDirectoryList(t *testing.T) {
	client := &fakeHashes{fields: map[string]string{
		"globex": `{"name":"Globex"}`,
		"acme":   `{"token":"ignored","name":"Acme","connectors":[{"id":"c1","sink":{"kind":"channel"},"destinationTopic":"out","filters":[{"attribute":"area","value":"a1","operation":"exclude"}]}]}`,
	}}
	dir := NewRedisDirectory(client, "")

	tenants, err := dir.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisKey, client.key)
	require.Len(t, tenants, 2)
	assert.Equal(t, "acme", tenants[0].Token, "the hash field is the token")
	assert.Equal(t, "Acme", tenants[0].Name)
	require.Len(t, tenants[0].Connectors, 1)
	assert.Equal(t, "out", tenants[0].Connectors[0].DestinationTopic)
	require.Len(t, tenants[0].Connectors[0].Filters, 1)
	assert.Equal(t, "globex", tenants[1].Token)
}

func TestRedisDirectoryListSkipsUndecodable(t *testing.T) {
	client := &fakeHashes{fields: map[string]string{"acme": `{"name":"Acme"}`, "broken": `{`}}
	tenants, err := NewRedisDirectory(client, "custom").List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"broken"`)
	require.Len(t, tenants, 1)
	assert.Equal(t, "custom", client.key)
}

func TestRedisDirectoryGet(t *testing.T) {
	client := &fakeHashes{fields: map[string]string{"acme": `{"name":"Acme"}`}}
	dir := NewRedisDirectory(client, "")

	got, ok, err := dir.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Tenant{Token: "acme", Name: "Acme"}, got)

	_, ok, err = dir.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDirectoryErrors(t *testing.T) {
	client := &fakeHashes{err: errors.New("connection refused")}
	dir := NewRedisDirectory(client, "")

	_, err := dir.List(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	_, _, err = dir.Get(context.Background(), "acme")
	assert.ErrorContains(t, err, "connection refused")
}

func TestConnectRedis(t *testing.T) {
	client, err := ConnectRedis("localhost:6380")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", client.Options().Addr)
	require.NoError(t, client.Close())

	client, err = ConnectRedis("redis://cache:6379/2")
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", client.Options().Addr)
	assert.Equal(t, 2, client.Options().DB)
	require.NoError(t, client.Close())

	_, err = ConnectRedis("redis://cache:6379/notadb")
	assert.Error(t, err)
}
