package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storage-bridge/internal/models"
)

func setupConfigMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *MqttConfigRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewMqttConfigRepository(db, logger)

	return db, mock, repo
}

func configColumns() []string {
	return []string{
		"broker", "port", "clientId", "username", "password",
		"tlsEnabled", "tlsInsecure", "caCertPath",
		"topicPatterns", "qos", "enabled",
	}
}

func TestLoadSnapshot_FullRow(t *testing.T) {
	db, mock, repo := setupConfigMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(configColumns()).
		AddRow(
			"10.0.0.5", 8883, "storage_bridge", "bridge", "secret",
			true, false, "/certs/ca.pem",
			"{bacnet/#,building1/hvac/#}", 2, true,
		)

	mock.ExpectQuery(`SELECT broker`).
		WillReturnRows(rows)

	snap, err := repo.LoadSnapshot(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", snap.Broker)
	assert.Equal(t, 8883, snap.Port)
	assert.Equal(t, "storage_bridge", snap.ClientID)
	assert.Equal(t, "bridge", snap.Username)
	assert.Equal(t, "secret", snap.Password)
	assert.Equal(t, models.TLSVerified, snap.TLSMode)
	assert.Equal(t, "/certs/ca.pem", snap.CACertPath)
	assert.True(t, snap.Enabled)

	require.Len(t, snap.Topics, 2)
	assert.Equal(t, "bacnet/#", snap.Topics[0].Pattern)
	assert.Equal(t, "building1/hvac/#", snap.Topics[1].Pattern)
	assert.Equal(t, byte(2), snap.Topics[0].QoS)
	assert.Equal(t, byte(2), snap.Topics[1].QoS)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSnapshot_TLSModeMapping(t *testing.T) {
	// tlsEnabled/tlsInsecure 两个布尔列映射为三态模式
	tests := []struct {
		name        string
		tlsEnabled  interface{}
		tlsInsecure interface{}
		want        models.TLSMode
	}{
		{"disabled", false, false, models.TLSDisabled},
		{"disabled ignores insecure flag", false, true, models.TLSDisabled},
		{"verified", true, false, models.TLSVerified},
		{"insecure", true, true, models.TLSInsecure},
		{"null flags default to disabled", nil, nil, models.TLSDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, repo := setupConfigMockDB(t)
			defer db.Close()

			rows := sqlmock.NewRows(configColumns()).
				AddRow(
					"10.0.0.5", 1883, "storage_bridge", nil, nil,
					tt.tlsEnabled, tt.tlsInsecure, nil,
					"{bacnet/#}", 1, true,
				)
			mock.ExpectQuery(`SELECT broker`).WillReturnRows(rows)

			snap, err := repo.LoadSnapshot(context.Background())

			require.NoError(t, err)
			assert.Equal(t, tt.want, snap.TLSMode)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLoadSnapshot_DefaultsForNullColumns(t *testing.T) {
	db, mock, repo := setupConfigMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(configColumns()).
		AddRow(
			"10.0.0.5", nil, nil, nil, nil,
			nil, nil, nil,
			"{bacnet/#}", nil, nil,
		)
	mock.ExpectQuery(`SELECT broker`).WillReturnRows(rows)

	snap, err := repo.LoadSnapshot(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1883, snap.Port, "null port defaults to 1883")
	assert.Equal(t, "", snap.ClientID, "null clientId stays empty, fallback applied at dial time")
	assert.True(t, snap.Enabled, "null enabled defaults to true")
	require.Len(t, snap.Topics, 1)
	assert.Equal(t, byte(1), snap.Topics[0].QoS, "null qos defaults to 1")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSnapshot_QoSOutOfRangeFallsBack(t *testing.T) {
	db, mock, repo := setupConfigMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(configColumns()).
		AddRow(
			"10.0.0.5", 1883, "storage_bridge", nil, nil,
			false, false, nil,
			"{bacnet/#}", 7, true,
		)
	mock.ExpectQuery(`SELECT broker`).WillReturnRows(rows)

	snap, err := repo.LoadSnapshot(context.Background())

	require.NoError(t, err)
	require.Len(t, snap.Topics, 1)
	assert.Equal(t, byte(1), snap.Topics[0].QoS)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSnapshot_EmptyPatternsSkipped(t *testing.T) {
	db, mock, repo := setupConfigMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(configColumns()).
		AddRow(
			"10.0.0.5", 1883, "storage_bridge", nil, nil,
			false, false, nil,
			`{bacnet/#,""}`, 1, true,
		)
	mock.ExpectQuery(`SELECT broker`).WillReturnRows(rows)

	snap, err := repo.LoadSnapshot(context.Background())

	require.NoError(t, err)
	require.Len(t, snap.Topics, 1)
	assert.Equal(t, "bacnet/#", snap.Topics[0].Pattern)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSnapshot_RowMissing(t *testing.T) {
	db, mock, repo := setupConfigMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT broker`).
		WillReturnRows(sqlmock.NewRows(configColumns()))

	snap, err := repo.LoadSnapshot(context.Background())

	require.Error(t, err)
	assert.Nil(t, snap)
	assert.Contains(t, err.Error(), "not found")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus(t *testing.T) {
	db, mock, repo := setupConfigMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE "MqttConfig"`).
		WithArgs("connecting", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), models.StatusConnecting, "", false)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus_ConnectedStampsLastConnected(t *testing.T) {
	db, mock, repo := setupConfigMockDB(t)
	defer db.Close()

	mock.ExpectExec(`"lastConnected" = NOW\(\)`).
		WithArgs("connected", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), models.StatusConnected, "", true)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus_ErrorWithDetail(t *testing.T) {
	db, mock, repo := setupConfigMockDB(t)
	defer db.Close()

	detail := "client id conflict suspected: 3 session drops within 30s (another client may share clientId)"
	mock.ExpectExec(`UPDATE "MqttConfig"`).
		WithArgs("error", detail).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), models.StatusError, detail, false)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
