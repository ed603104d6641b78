package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"emergency-cluster/internal/store"
)

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore_CreateAndFindPatientByCURP(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tx, err := st.Begin(ctx)
	require.NoError(t, err)

	patient, err := tx.CreatePatient(ctx, store.Patient{
		Name: "Jane Doe", Age: 34, Sex: "F", CURP: "JAND900101MDFXXX01",
	})
	require.NoError(t, err)
	require.NotZero(t, patient.ID)

	found, err := tx.FindPatientByCURP(ctx, "JAND900101MDFXXX01")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, patient.ID, found.ID)

	require.NoError(t, tx.Commit())
}

func TestSQLiteStore_FindPatientByCURP_NotFound(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	found, err := tx.FindPatientByCURP(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestSQLiteStore_RollbackDiscardsChanges(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.CreatePatient(ctx, store.Patient{Name: "Temp", Age: 1, Sex: "M", CURP: "TEMP010101HDFXXX09"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx2, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx2.Rollback()
	found, err := tx2.FindPatientByCURP(ctx, "TEMP010101HDFXXX09")
	require.NoError(t, err)
	require.Nil(t, found, "rolled-back insert must not be visible")
}

func TestSQLiteStore_FindUserByUsername_Unknown(t *testing.T) {
	st := openTestStore(t)
	u, err := st.FindUserByUsername(context.Background(), "nobody")
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestSQLiteStore_CreateUser_ThenFind(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.CreateUser(ctx, store.User{Username: "dr_smith", PasswordHash: "hashed", Role: "staff"})
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.True(t, created.Active)

	found, err := st.FindUserByUsername(ctx, "dr_smith")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, created.ID, found.ID)
	require.Equal(t, "hashed", found.PasswordHash)
}
