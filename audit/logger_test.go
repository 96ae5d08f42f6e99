package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerDisabledReturnsNoOp(t *testing.T) {
	l, err := NewLogger(&Config{Enabled: false})
	require.NoError(t, err)
	_, ok := l.(*NoOpLogger)
	require.True(t, ok)
}

func TestNewLoggerNilConfigReturnsNoOp(t *testing.T) {
	l, err := NewLogger(nil)
	require.NoError(t, err)
	_, ok := l.(*NoOpLogger)
	require.True(t, ok)
}

func TestNewLoggerUnknownTypeFails(t *testing.T) {
	_, err := NewLogger(&Config{Enabled: true, Type: ConfigType("carrier-pigeon")})
	require.Error(t, err)
}

func TestNewLoggerFileType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	defer l.Close()
	_, ok := l.(*FileLogger)
	require.True(t, ok)
}

func TestNoOpLoggerNeverFails(t *testing.T) {
	l := NewNoOpLogger()
	require.NoError(t, l.Log("create_collection", true, nil))
	result, err := l.Query(QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, QueryResult{}, result)
	require.NoError(t, l.Close())
}

func TestFileLoggerWritesJSONLAndQueriesByAction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	fl, err := NewFileLogger(&Config{CallerAppID: "app1", Options: map[string]interface{}{"file_path": path}})
	require.NoError(t, err)
	defer fl.Close()

	require.NoError(t, fl.Log("create_collection", true, map[string]interface{}{"name": "coll"}))
	require.NoError(t, fl.Log("delete_collection", false, nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"action":"create_collection"`)

	result, err := fl.Query(QueryOptions{Action: "create_collection"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	require.Equal(t, "app1", result.Events[0].CallerAppID)
}

func TestFileLoggerQueryFiltersBySuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	fl, err := NewFileLogger(&Config{Options: map[string]interface{}{"file_path": path}})
	require.NoError(t, err)
	defer fl.Close()

	require.NoError(t, fl.Log("a", true, nil))
	require.NoError(t, fl.Log("b", false, nil))

	failuresOnly := false
	result, err := fl.Query(QueryOptions{Success: &failuresOnly})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	require.Equal(t, "b", result.Events[0].Action)
}

func TestFileLoggerExtractsRequestIDAndOperationKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	fl, err := NewFileLogger(&Config{Options: map[string]interface{}{"file_path": path}})
	require.NoError(t, err)
	defer fl.Close()

	require.NoError(t, fl.Log("provideLockCode", true, map[string]interface{}{
		"requestID": "req-1", "operationKind": "lockCode", "target": "Database",
	}))

	result, err := fl.Query(QueryOptions{Action: "provideLockCode"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)

	event := result.Events[0]
	require.Equal(t, "req-1", event.RequestID)
	require.Equal(t, "lockCode", event.OperationKind)
	require.Equal(t, map[string]interface{}{"target": "Database"}, event.Metadata)
}

func TestFileLoggerLockCodeAccessFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	fl, err := NewFileLogger(&Config{Options: map[string]interface{}{"file_path": path}})
	require.NoError(t, err)
	defer fl.Close()

	require.NoError(t, fl.Log("provideLockCode", true, map[string]interface{}{"operationKind": "lockCode"}))
	require.NoError(t, fl.Log("createCollection", true, map[string]interface{}{"operationKind": "collection"}))

	result, err := fl.Query(QueryOptions{LockCodeAccess: true})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	require.Equal(t, "provideLockCode", result.Events[0].Action)
}

func TestFileLoggerRequiresFilePath(t *testing.T) {
	_, err := NewFileLogger(&Config{Options: map[string]interface{}{}})
	require.Error(t, err)
}

func TestFileLoggerCloseThenLogReopensFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	fl, err := NewFileLogger(&Config{Options: map[string]interface{}{"file_path": path}})
	require.NoError(t, err)

	require.NoError(t, fl.Close())
	require.NoError(t, fl.Log("after-close", true, nil))
	defer fl.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw[:len(raw)-1], &decoded))
	require.Equal(t, "after-close", decoded.Action)
}
