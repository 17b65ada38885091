package ontap_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/ontap-mcp-server-go/ontap"
	"github.com/stretchr/testify/require"
)

func TestParseClusters(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		got, err := ontap.ParseClusters([]byte(`{
			"b": {"cluster_ip": "10.0.0.2", "username": "admin", "password": "pw"},
			"a": {"cluster_ip": "10.0.0.1", "username": "admin", "password": "pw", "description": "lab"}
		}`))
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "a", got[0].Name)
		require.Equal(t, "10.0.0.1", got[0].ClusterIP)
		require.Equal(t, "lab", got[0].Description)
		require.Equal(t, "b", got[1].Name)
	})

	t.Run("array", func(t *testing.T) {
		got, err := ontap.ParseClusters([]byte(`[{"name":"c1","cluster_ip":"h","username":"u","password":"p"}]`))
		require.NoError(t, err)
		require.Equal(t, []ontap.ClusterConfig{{Name: "c1", ClusterIP: "h", Username: "u", Password: "p"}}, got)
	})

	t.Run("empty", func(t *testing.T) {
		for _, in := range []string{"", "  ", "null"} {
			got, err := ontap.ParseClusters([]byte(in))
			require.NoError(t, err)
			require.Empty(t, got)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := ontap.ParseClusters([]byte(`"nope"`))
		require.Error(t, err)
		_, err = ontap.ParseClusters([]byte(`{"a": 1}`))
		require.Error(t, err)
	})
}

func TestMerge(t *testing.T) {
	base := []ontap.ClusterConfig{{Name: "a", ClusterIP: "1"}, {Name: "b", ClusterIP: "2"}}
	extra := []ontap.ClusterConfig{{Name: "b", ClusterIP: "3"}, {Name: "c", ClusterIP: "4"}}
	got := ontap.Merge(base, extra)
	require.Equal(t, []ontap.ClusterConfig{
		{Name: "a", ClusterIP: "1"},
		{Name: "b", ClusterIP: "3"},
		{Name: "c", ClusterIP: "4"},
	}, got)
}

func TestRegistry(t *testing.T) {
	r := ontap.NewRegistry()
	require.Error(t, r.Add(ontap.ClusterConfig{Name: "x"}))

	require.NoError(t, r.Add(ontap.ClusterConfig{Name: "b", ClusterIP: "10.0.0.2", Username: "u"}))
	require.NoError(t, r.Add(ontap.ClusterConfig{Name: "a", ClusterIP: "10.0.0.1", Username: "u"}))
	require.NoError(t, r.Add(ontap.ClusterConfig{Name: "a", ClusterIP: "10.0.0.9", Username: "u"}))
	require.Equal(t, 2, r.Len())

	cfgs := r.Configs()
	require.Equal(t, "a", cfgs[0].Name)
	require.Equal(t, "10.0.0.9", cfgs[0].ClusterIP)

	_, err := r.Client("missing")
	require.ErrorIs(t, err, ontap.ErrClusterNotFound)
	require.EqualError(t, err, "cluster 'missing' not found in registry: cluster not found")

	c, err := r.Client("b")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", c.Config().ClusterIP)

	require.True(t, r.Remove("b"))
	require.False(t, r.Remove("b"))
	require.Equal(t, 1, r.Len())
}

// fakeCluster serves the handful of endpoints the client reads.
func fakeCluster(t *testing.T, name string) (*httptest.Server, ontap.ClusterConfig) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/cluster", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"uuid":"u-%s","name":%q,"version":{"full":"NetApp Release 9.14.1","generation":9,"major":14,"minor":1}}`, name, name)
	})
	mux.HandleFunc("GET /api/svm/svms", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fields") != "uuid,name,state" {
			http.Error(w, "bad fields", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"records":[{"uuid":"s1","name":"svm1","state":"running"}],"num_records":1}`)
	})
	mux.HandleFunc("GET /api/storage/aggregates", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{"uuid":"a1","name":"aggr1","state":"online","space":{"block_storage":{"size":100,"available":60,"used":40}}}]}`)
	})

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"not authorized for that command","code":"6691623"}}`)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	return srv, ontap.ClusterConfig{
		Name:      name,
		ClusterIP: strings.TrimPrefix(srv.URL, "https://"),
		Username:  "admin",
		Password:  "secret",
	}
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	_, cfg := fakeCluster(t, "c1")
	c := ontap.NewClient(cfg)

	info, err := c.GetClusterInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, "c1", info.Name)
	require.Equal(t, "NetApp Release 9.14.1", info.Version.Full)

	svms, err := c.ListSVMs(ctx)
	require.NoError(t, err)
	require.Equal(t, []ontap.SVM{{UUID: "s1", Name: "svm1", State: "running"}}, svms)

	aggrs, err := c.ListAggregates(ctx)
	require.NoError(t, err)
	require.Len(t, aggrs, 1)
	require.NotNil(t, aggrs[0].Space.BlockStorage.Available)
	require.EqualValues(t, 60, *aggrs[0].Space.BlockStorage.Available)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	_, cfg := fakeCluster(t, "c1")

	cfg.Password = "wrong"
	_, err := ontap.NewClient(cfg).GetClusterInfo(ctx)
	var apiErr *ontap.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, "6691623", apiErr.Code)
	require.EqualError(t, err, "HTTP 401: not authorized for that command")

	cfg.Password = "secret"
	cfg.VerifyTLS = true
	_, err = ontap.NewClient(cfg).GetClusterInfo(ctx)
	require.Error(t, err)
	require.False(t, errors.As(err, &apiErr))
}

func TestAllClusterInfo(t *testing.T) {
	_, good := fakeCluster(t, "good")
	_, bad := fakeCluster(t, "bad")
	bad.Password = "wrong"

	r := ontap.NewRegistry()
	require.NoError(t, r.Add(good))
	require.NoError(t, r.Add(bad))

	res := r.AllClusterInfo(context.Background())
	require.Len(t, res, 2)

	require.Equal(t, "bad", res[0].Name)
	require.Nil(t, res[0].Info)
	require.Error(t, res[0].Err)

	require.Equal(t, "good", res[1].Name)
	require.NoError(t, res[1].Err)
	require.Equal(t, "good", res[1].Info.Name)
}
