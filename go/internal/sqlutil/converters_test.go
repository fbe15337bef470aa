package sqlutil

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNullableConverters(t *testing.T) {
	id := uuid.New()
	require.Nil(t, FromNullUUID(ToNullUUID(nil)))
	require.Equal(t, id, *FromNullUUID(ToNullUUID(&id)))

	now := time.Now()
	require.Nil(t, FromSqlTime(ToSqlTime(nil)))
	require.True(t, now.Equal(*FromSqlTime(ToSqlTime(&now))))

	require.Equal(t, "fallback", FromSqlString(sql.NullString{}, "fallback"))

	require.False(t, ToNullRawMessage(nil).Valid)
	raw := json.RawMessage(`{"hp":640}`)
	require.JSONEq(t, string(raw), string(FromNullRawMessage(ToNullRawMessage(raw))))
}
