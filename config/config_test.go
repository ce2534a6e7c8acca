package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  parcel_updated_topic_name: "parcel.updated"
  inbound_email_topic_name: "parcel.inbound-email"
redis:
  host: "localhost"
  port: 6379
parcelbox:
  http_addr: ":8080"
  carriers_dir: "./carriers"
  current_status_ttl_seconds: 600
  worker_refresh_interval_seconds: 900
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "parcel.updated", cfg.Kafka.ParcelUpdatedTopicName)
	require.Equal(t, "parcel.inbound-email", cfg.Kafka.InboundEmailTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.ParcelBox.HTTPAddr)
	require.Equal(t, "./carriers", cfg.ParcelBox.CarriersDir)
	require.Equal(t, 900, cfg.ParcelBox.WorkerRefreshIntervalSeconds)
}

func TestDatabaseConnString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Username: "u", Password: "p", DBName: "parcels"}
	require.Equal(t, "postgres://u:p@db:5432/parcels?sslmode=disable", d.ConnString())

	d.SSLMode = "require"
	require.Equal(t, "postgres://u:p@db:5432/parcels?sslmode=require", d.ConnString())
}
