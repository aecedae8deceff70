package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMakerFlagsOverrideDefaults(t *testing.T) {
	cfg, err := LoadMaker([]string{
		"--network", "testnet",
		"--minsize", "5000",
		"--stepdeadline", "30s",
	})
	require.NoError(t, err)

	require.Equal(t, "testnet", cfg.Network)
	require.EqualValues(t, 5000, cfg.MinSize)
	require.Equal(t, 30*time.Second, cfg.StepDeadline)
	// Untouched fields keep their defaults.
	require.EqualValues(t, DefaultMakerConfig().MaxSize, cfg.MaxSize)
}

func TestLoadTakerDefaults(t *testing.T) {
	cfg, err := LoadTaker(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultTakerConfig(), *cfg)
}

func TestLoadMakerConfigFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "teleport.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("network=regtest\nminsize=2000\n"), 0600))

	cfg, err := LoadMaker([]string{"-C", confPath})
	require.NoError(t, err)
	require.Equal(t, "regtest", cfg.Network)
	require.EqualValues(t, 2000, cfg.MinSize)

	// A command-line flag still wins over the file.
	cfg, err = LoadMaker([]string{"-C", confPath, "--network", "mainnet"})
	require.NoError(t, err)
	require.Equal(t, "mainnet", cfg.Network)
}

func TestParseAddressStringBarePort(t *testing.T) {
	addr, err := ParseAddressString("9735", "9735", stubResolver)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9735", addr.String())
}

func TestParseAddressStringNetworkPrefix(t *testing.T) {
	addr, err := ParseAddressString("tcp://0.0.0.0:9735", "9735", stubResolver)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9735", addr.String())
}

func stubResolver(network, addr string) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr(network, addr)
}
