package hostpool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHostStringVariants(t *testing.T) {
	cases := []struct {
		in   string
		want Target
	}{
		{"host1", Target{Host: "host1", User: "root", Port: 22}},
		{"alice@host2", Target{Host: "host2", User: "alice", Port: 22}},
		{"alice@host3:2222", Target{Host: "host3", User: "alice", Port: 2222}},
		{"host4:2200", Target{Host: "host4", User: "root", Port: 2200}},
		{"bob@[::1]:22", Target{Host: "::1", User: "bob", Port: 22}},
	}

	for _, c := range cases {
		got, err := ParseHostString(c.in, "root", 22)
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, got, c.in)
	}
}

func TestParseHostFileSkipsCommentsAndBlanks(t *testing.T) {
	r := strings.NewReader("host1\n# comment\n\nalice@host2:2222\n")
	pool, err := parseHostFile(r, "root", 22)
	require.NoError(t, err)
	require.Len(t, pool, 2)
	require.Equal(t, "host1", pool[0].Host)
	require.Equal(t, "host2", pool[1].Host)
	require.Equal(t, 2222, pool[1].Port)
}

func TestBuildAppliesRegexpFilter(t *testing.T) {
	pool, err := Build(Options{
		HostStrings: []string{"web1", "web2", "db1"},
		DefaultUser: "root",
		DefaultPort: 22,
		Regexp:      "^web",
	})
	require.NoError(t, err)
	require.Len(t, pool, 2)
}

func TestBuildRegexpNoMatchIsError(t *testing.T) {
	_, err := Build(Options{
		HostStrings: []string{"web1"},
		DefaultUser: "root",
		DefaultPort: 22,
		Regexp:      "^db",
	})
	require.Error(t, err)
}

func TestBuildSampleSizeLargerThanPopulationIsError(t *testing.T) {
	_, err := Build(Options{
		HostStrings: []string{"web1", "web2"},
		DefaultUser: "root",
		DefaultPort: 22,
		SampleSize:  5,
	})
	require.Error(t, err)
}

func TestBuildSamplePicksExactCount(t *testing.T) {
	pool, err := Build(Options{
		HostStrings: []string{"web1", "web2", "web3", "web4"},
		DefaultUser: "root",
		DefaultPort: 22,
		SampleSize:  2,
	})
	require.NoError(t, err)
	require.Len(t, pool, 2)
}

func TestSortedDisplayIsNaturalOrder(t *testing.T) {
	pool := Pool{
		{Host: "host10", User: "root", Port: 22},
		{Host: "host2", User: "root", Port: 22},
		{Host: "host1", User: "root", Port: 22},
	}

	got := SortedDisplay(pool)
	require.Equal(t, []string{"host1", "host2", "host10"}, got)
}
