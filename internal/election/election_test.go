package election_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"emergency-cluster/internal/clusterdir"
	"emergency-cluster/internal/election"
	"emergency-cluster/internal/transport"
)

type recordingSink struct {
	changes []int
}

func (r *recordingSink) OnLeaderChange(newLeaderID int, term uint64) {
	r.changes = append(r.changes, newLeaderID)
}

type testCluster struct {
	machines []*election.Machine
	tports   []*transport.Transport
}

func (c *testCluster) stop() {
	for _, t := range c.tports {
		t.Stop()
	}
	for _, m := range c.machines {
		m.Stop()
	}
}

// buildCluster wires n in-process nodes over loopback TCP/UDP with sped-up
// timing constants so the Bully protocol converges in test time instead of
// the 3s/10s/30s production defaults.
func buildCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	basePort := 19100 + (time.Now().Nanosecond() % 1000)
	var dir []clusterdir.Node
	for i := 1; i <= n; i++ {
		dir = append(dir, clusterdir.Node{
			ID:      i,
			Host:    "127.0.0.1",
			TCPPort: basePort + i,
			UDPPort: basePort + 500 + i,
		})
	}

	cfg := clusterdir.Config{
		ClusterDirectory:             dir,
		HeartbeatIntervalMs:          100,
		ElectionTimeoutMs:            400,
		GracePeriodMs:                200,
		TCPSendTimeoutMs:             200,
		CoordinatorAnnounceTimeoutMs: 200,
	}

	cluster := &testCluster{}
	for i := 1; i <= n; i++ {
		self := dir[i-1]
		var peers []clusterdir.Node
		for _, p := range dir {
			if p.ID != i {
				peers = append(peers, p)
			}
		}
		nodeCfg := cfg
		nodeCfg.NodeID = i

		log := logrus.New()
		log.SetLevel(logrus.FatalLevel)
		entry := log.WithField("test_node", i)

		tr := transport.New(self.TCPAddr(), self.UDPAddr(), entry)
		m := election.New(i, peers, nodeCfg, tr, &recordingSink{}, entry)
		m.RegisterHandlers()
		require.NoError(t, tr.Start())

		cluster.tports = append(cluster.tports, tr)
		cluster.machines = append(cluster.machines, m)
	}

	for _, m := range cluster.machines {
		go m.Run()
	}

	return cluster
}

// E1 / E2: all nodes converge on the single highest node_id as leader.
func TestElection_EventualSingleHighestIDLeader(t *testing.T) {
	cluster := buildCluster(t, 4)
	defer cluster.stop()

	require.Eventually(t, func() bool {
		for _, m := range cluster.machines {
			if m.CurrentLeader() != 4 {
				return false
			}
		}
		return cluster.machines[3].IsLeader()
	}, 5*time.Second, 20*time.Millisecond, "cluster did not converge on node 4 as leader")

	leaders := 0
	for _, m := range cluster.machines {
		if m.IsLeader() {
			leaders++
		}
	}
	require.Equal(t, 1, leaders, "more than one node believes it is leader")
}

// E3: failover — killing the leader elects the next-highest surviving id.
func TestElection_FailoverToNextHighest(t *testing.T) {
	cluster := buildCluster(t, 4)
	defer cluster.stop()

	require.Eventually(t, func() bool {
		return cluster.machines[3].IsLeader()
	}, 5*time.Second, 20*time.Millisecond)

	// Kill node 4 by tearing down its transport so it stops answering.
	cluster.tports[3].Stop()
	cluster.machines[3].Stop()

	require.Eventually(t, func() bool {
		for i := 0; i < 3; i++ {
			if cluster.machines[i].CurrentLeader() != 3 {
				return false
			}
		}
		return cluster.machines[2].IsLeader()
	}, 5*time.Second, 20*time.Millisecond, "surviving nodes did not converge on node 3")
}

func TestElection_Status(t *testing.T) {
	cluster := buildCluster(t, 2)
	defer cluster.stop()

	require.Eventually(t, func() bool {
		return cluster.machines[1].IsLeader()
	}, 5*time.Second, 20*time.Millisecond)

	snap := cluster.machines[0].Status()
	require.Equal(t, 2, snap.CurrentLeader)
	require.Equal(t, election.Follower, snap.State)
	require.False(t, snap.ElectionInProgress)
	require.Equal(t, fmt.Sprintf("%s", election.Follower), "Follower")
}
