package keyserverset

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

func testNode(b byte) interfaces.NodeID {
	var id interfaces.NodeID
	id[0] = b
	return id
}

func testSet(nodes ...byte) map[interfaces.NodeID]interfaces.NodeAddress {
	set := make(map[interfaces.NodeID]interfaces.NodeAddress, len(nodes))
	for _, n := range nodes {
		set[testNode(n)] = interfaces.NodeAddress("127.0.0.1:12000")
	}
	return set
}

func TestUpdateFutureSetIsNoneIfMigrationStarted(t *testing.T) {
	snapshot := interfaces.KeyServerSetSnapshot{
		CurrentSet: testSet(1),
		NewSet:     testSet(2),
		Migration:  &interfaces.KeyServerSetMigration{Set: testSet(2)},
	}
	expected := cloneSnapshot(snapshot)

	future := updateFutureSet(&futureNewSet{newSet: testSet(3)}, &snapshot, common.Hash{1})
	require.Nil(t, future)
	require.Equal(t, expected, snapshot)
}

func TestUpdateFutureSetIsNoneIfSetUnchanged(t *testing.T) {
	snapshot := interfaces.KeyServerSetSnapshot{
		CurrentSet: testSet(1),
		NewSet:     testSet(1),
	}
	expected := cloneSnapshot(snapshot)

	require.Nil(t, updateFutureSet(nil, &snapshot, common.Hash{1}))
	require.Equal(t, expected, snapshot)
}

func TestUpdateFutureSetIsNoneIfOnlyAddressChanged(t *testing.T) {
	snapshot := interfaces.KeyServerSetSnapshot{
		CurrentSet: map[interfaces.NodeID]interfaces.NodeAddress{testNode(1): "127.0.0.1:12000"},
		NewSet:     map[interfaces.NodeID]interfaces.NodeAddress{testNode(1): "127.0.0.1:12001"},
	}
	expected := cloneSnapshot(snapshot)

	require.Nil(t, updateFutureSet(nil, &snapshot, common.Hash{1}))
	require.Equal(t, expected, snapshot)
}

func TestUpdateFutureSetIsInitialized(t *testing.T) {
	snapshot := interfaces.KeyServerSetSnapshot{
		CurrentSet: testSet(1),
		NewSet:     testSet(2),
	}

	future := updateFutureSet(nil, &snapshot, common.Hash{})
	require.Equal(t, &futureNewSet{newSet: testSet(2), block: common.Hash{}}, future)
	require.Equal(t, testSet(1), snapshot.NewSet)
	require.Equal(t, testSet(1), snapshot.CurrentSet)
}

func TestUpdateFutureSetIsUpdatedWhenSetChanges(t *testing.T) {
	snapshot := interfaces.KeyServerSetSnapshot{
		CurrentSet: testSet(1),
		NewSet:     testSet(3),
	}
	previous := &futureNewSet{newSet: testSet(2), block: common.Hash{}}

	future := updateFutureSet(previous, &snapshot, common.Hash{1})
	require.Equal(t, &futureNewSet{newSet: testSet(3), block: common.Hash{1}}, future)
	require.Equal(t, testSet(1), snapshot.NewSet)
}

func TestUpdateFutureSetKeepsBlockWhenSetIsTheSame(t *testing.T) {
	snapshot := interfaces.KeyServerSetSnapshot{
		CurrentSet: testSet(1),
		NewSet:     testSet(2),
	}
	previous := &futureNewSet{newSet: testSet(2), block: common.Hash{}}

	future := updateFutureSet(previous, &snapshot, common.Hash{1})
	require.Equal(t, &futureNewSet{newSet: testSet(2), block: common.Hash{}}, future)
	require.Equal(t, testSet(1), snapshot.NewSet)
}

func TestUpdateNumberOfConfirmations(t *testing.T) {
	latest := func() common.Hash { return common.Hash{2} }

	tests := []struct {
		name           string
		future         *futureNewSet
		confirmations  uint64
		canonical      bool
		expectedFuture *futureNewSet
		expectedNewSet map[interfaces.NodeID]interfaces.NodeAddress
	}{
		{
			name:           "no future set",
			future:         nil,
			confirmations:  10,
			canonical:      true,
			expectedFuture: nil,
			expectedNewSet: testSet(1),
		},
		{
			name:           "enough confirmations",
			future:         &futureNewSet{newSet: testSet(2), block: common.Hash{1}},
			confirmations:  MigrationConfirmationsRequired,
			canonical:      true,
			expectedFuture: nil,
			expectedNewSet: testSet(2),
		},
		{
			name:           "not enough confirmations",
			future:         &futureNewSet{newSet: testSet(2), block: common.Hash{1}},
			confirmations:  MigrationConfirmationsRequired - 1,
			canonical:      true,
			expectedFuture: &futureNewSet{newSet: testSet(2), block: common.Hash{1}},
			expectedNewSet: testSet(1),
		},
		{
			name:           "block reorganized away",
			future:         &futureNewSet{newSet: testSet(2), block: common.Hash{1}},
			canonical:      false,
			expectedFuture: &futureNewSet{newSet: testSet(2), block: common.Hash{2}},
			expectedNewSet: testSet(1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshot := interfaces.KeyServerSetSnapshot{
				CurrentSet: testSet(1),
				NewSet:     testSet(1),
			}
			confirmations := func(common.Hash) (uint64, bool) { return tt.confirmations, tt.canonical }

			future := updateNumberOfConfirmations(latest, confirmations, tt.future, &snapshot)
			require.Equal(t, tt.expectedFuture, future)
			require.Equal(t, tt.expectedNewSet, snapshot.NewSet)
			require.Equal(t, testSet(1), snapshot.CurrentSet)
		})
	}
}

func TestUpdateLastTransactionBlock(t *testing.T) {
	first := interfaces.MigrationID{1}
	second := interfaces.MigrationID{2}

	tx, send := updateLastTransactionBlock(10, first, nil)
	require.True(t, send)
	require.Equal(t, &migrationTransaction{migrationID: first, block: 10}, tx)

	again, send := updateLastTransactionBlock(10+TransactionRetryIntervalBlocks-1, first, tx)
	require.False(t, send)
	require.Same(t, tx, again)

	again, send = updateLastTransactionBlock(10+TransactionRetryIntervalBlocks, first, tx)
	require.True(t, send)
	require.Equal(t, &migrationTransaction{migrationID: first, block: 10 + TransactionRetryIntervalBlocks}, again)

	other, send := updateLastTransactionBlock(11, second, tx)
	require.True(t, send)
	require.Equal(t, &migrationTransaction{migrationID: second, block: 11}, other)

	// head moved back after a reorganization
	_, send = updateLastTransactionBlock(5, first, tx)
	require.False(t, send)
}

func TestIsMigrationRequiredProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		current := rapid.SliceOfNDistinct(rapid.Byte(), 0, 6, rapid.ID[byte]).Draw(t, "current")
		next := rapid.SliceOfNDistinct(rapid.Byte(), 0, 6, rapid.ID[byte]).Draw(t, "next")
		currentSet, nextSet := testSet(current...), testSet(next...)

		required := IsMigrationRequired(currentSet, nextSet)
		require.Equal(t, required, IsMigrationRequired(nextSet, currentSet))
		require.Equal(t, !interfaces.NodesOf(currentSet).Equal(interfaces.NodesOf(nextSet)), required)

		// addresses never matter
		moved := cloneSet(currentSet)
		for node := range moved {
			moved[node] = "127.0.0.1:13000"
		}
		require.False(t, IsMigrationRequired(currentSet, moved))
	})
}

func TestCloneSnapshotIsDeep(t *testing.T) {
	snapshot := interfaces.KeyServerSetSnapshot{
		CurrentSet: testSet(1),
		NewSet:     testSet(1, 2),
		Migration:  &interfaces.KeyServerSetMigration{Set: testSet(2), Master: testNode(2)},
	}

	clone := cloneSnapshot(snapshot)
	require.Equal(t, snapshot, clone)

	clone.CurrentSet[testNode(3)] = "127.0.0.1:1"
	clone.Migration.Set[testNode(3)] = "127.0.0.1:1"
	clone.Migration.IsConfirmed = true
	require.Len(t, snapshot.CurrentSet, 1)
	require.Len(t, snapshot.Migration.Set, 1)
	require.False(t, snapshot.Migration.IsConfirmed)

	require.NotNil(t, cloneSnapshot(interfaces.KeyServerSetSnapshot{}).CurrentSet)
}
