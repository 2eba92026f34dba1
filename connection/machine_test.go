package connection

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmgr/internal/device"
	"github.com/srg/gattmgr/internal/notify"
	"github.com/srg/gattmgr/internal/testutils"
	"github.com/srg/gattmgr/pkg/config"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const peer = "AA:BB:CC:DD:EE:FF"

type MachineTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	link   *testutils.FakeLink
	cfg    config.Config
	gate   device.PermissionGate

	m      *Machine
	states *notify.Subscription[State]
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}

func (s *MachineTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.link = testutils.NewFakeLink().
		WithCharacteristic("180D", "2A37", 0x00, 0x48).
		WithCharacteristic("180D", "2A39")
	s.cfg = testutils.FastConfig()
	s.gate = device.AllowAll
	s.m = nil
}

func (s *MachineTestSuite) TearDownTest() {
	if s.m != nil {
		s.NoError(s.m.Close())
	}
}

// machine builds the machine lazily so tests can adjust cfg and gate first.
func (s *MachineTestSuite) machine() *Machine {
	if s.m == nil {
		s.m = New(s.link, s.gate, s.cfg, s.helper.Logger)
		s.states = s.m.States()
	}
	return s.m
}

func (s *MachineTestSuite) nextPhases(n int) []Phase {
	var out []Phase
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case st, ok := <-s.states.C():
			if !ok {
				s.Require().FailNow("state stream closed", "got %v", out)
			}
			out = append(out, st.Phase)
		case <-deadline:
			s.Require().FailNow("timed out waiting for states", "got %v, want %d", out, n)
		}
	}
	return out
}

func (s *MachineTestSuite) nextError() *device.Error {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-s.states.C():
			if st.Phase == PhaseError {
				return st.Err
			}
		case <-deadline:
			s.Require().FailNow("timed out waiting for an error state")
		}
	}
}

func (s *MachineTestSuite) assertNoMoreStates() {
	select {
	case st := <-s.states.C():
		s.Failf("unexpected state", "%v", st)
	case <-time.After(30 * time.Millisecond):
	}
}

func (s *MachineTestSuite) called(method string) int {
	return countOf(s.link.CallOrder(), method)
}

func countOf(calls []string, method string) int {
	n := 0
	for _, c := range calls {
		if c == method {
			n++
		}
	}
	return n
}

func (s *MachineTestSuite) waitCalled(method string, n int) {
	s.Eventually(func() bool { return s.called(method) >= n }, 2*time.Second, 2*time.Millisecond, "%s not called %d times", method, n)
}

// connectReady drives the machine to Ready and consumes the three edges.
func (s *MachineTestSuite) connectReady() {
	m := s.machine()
	s.Require().NoError(m.Connect(peer))
	s.link.LinkUp()
	s.waitCalled("DiscoverServices", 1)
	s.link.ServicesDiscovered(device.StatusSuccess)

	s.Require().Equal(PhaseReady, m.State().Phase)
	s.Require().Equal([]Phase{PhaseConnecting, PhaseDiscovering, PhaseReady}, s.nextPhases(3))
}

func (s *MachineTestSuite) TestConnectLifecycle() {
	// GOAL: Verify the happy path connect → discover → ready follows only defined edges
	//
	// TEST SCENARIO: Connect → link up → discovery requested → discovery success → Ready, journal holds 3 edges

	s.connectReady()

	transitions := s.m.Transitions()
	s.Require().Len(transitions, 3)
	s.Equal(PhaseDisconnected, transitions[0].From.Phase)
	s.Equal(PhaseConnecting, transitions[0].To.Phase)
	s.Equal(peer, transitions[0].To.Address)
	s.Equal(PhaseReady, transitions[2].To.Phase)
	s.Empty(s.m.Transitions(), "journal MUST be drained")

	s.link.AssertCalled(s.T(), "RequestConnect", peer, false)
}

func (s *MachineTestSuite) TestConnectReleasesStaleLinkFirst() {
	s.Require().NoError(s.machine().Connect(peer))

	calls := s.link.CallOrder()
	s.Require().GreaterOrEqual(len(calls), 2)
	s.Equal([]string{"ReleaseLink", "RequestConnect"}, calls[:2])
}

func (s *MachineTestSuite) TestDiscoveryWaitsForDelay() {
	// GOAL: Verify service discovery is requested only after the discovery delay elapses
	//
	// TEST SCENARIO: delay 100ms → link up at t0 → DiscoverServices observed at t1 ≥ t0 + 100ms

	s.cfg.DiscoveryDelay = 100 * time.Millisecond
	var mu sync.Mutex
	var requested time.Time
	s.link.Hook("DiscoverServices", func() {
		mu.Lock()
		requested = time.Now()
		mu.Unlock()
	})

	m := s.machine()
	s.Require().NoError(m.Connect(peer))
	linkUp := time.Now()
	s.link.LinkUp()
	s.Equal(PhaseDiscovering, m.State().Phase)

	s.waitCalled("DiscoverServices", 1)
	mu.Lock()
	defer mu.Unlock()
	s.GreaterOrEqual(requested.Sub(linkUp), 100*time.Millisecond)
}

func (s *MachineTestSuite) TestConnectPermissionDenied() {
	s.gate = device.NewStaticGate(device.CapabilityScan)
	m := s.machine()

	err := m.Connect(peer)

	s.ErrorIs(err, device.ErrPermissionDenied)
	s.Equal(PhaseDisconnected, m.State().Phase)
	s.link.AssertNotCalled(s.T(), "RequestConnect", mock.Anything, mock.Anything)
	s.assertNoMoreStates()
	s.True(s.helper.HasLogEntry(logrus.WarnLevel, "Permission denied"))
}

func (s *MachineTestSuite) TestDoubleConnectIsNoOp() {
	m := s.machine()
	s.Require().NoError(m.Connect(peer))
	s.Require().NoError(m.Connect(peer))

	s.Equal(1, s.called("RequestConnect"))
	s.Equal([]Phase{PhaseConnecting}, s.nextPhases(1))
	s.assertNoMoreStates()

	s.link.LinkUp()
	s.Require().NoError(m.Connect(peer))
	s.Equal(1, s.called("RequestConnect"))
}

func (s *MachineTestSuite) TestConnectEmptyAddress() {
	s.ErrorIs(s.machine().Connect(""), device.ErrInvalidState)
}

func (s *MachineTestSuite) TestConnectRequestFailure() {
	s.link.Fail("RequestConnect", errors.New("adapter busy"))
	m := s.machine()

	err := m.Connect(peer)

	s.ErrorIs(err, device.ErrLinkError)
	s.Equal([]Phase{PhaseConnecting, PhaseError, PhaseDisconnected}, s.nextPhases(3))
	s.Equal(PhaseDisconnected, m.State().Phase)
}

func (s *MachineTestSuite) TestConnectionTimeoutWhileConnecting() {
	// GOAL: Verify a link that never comes up fails with Timeout and settles to Disconnected
	//
	// TEST SCENARIO: Connect → no callbacks → connectionTimeout → Error{Timeout} → Disconnected, link released

	s.cfg.ConnectionTimeout = 80 * time.Millisecond
	m := s.machine()
	s.Require().NoError(m.Connect(peer))

	s.Equal(PhaseConnecting, s.nextPhases(1)[0])
	err := s.nextError()
	s.ErrorIs(err, device.ErrTimeout)
	s.Equal([]Phase{PhaseDisconnected}, s.nextPhases(1))
	s.Eventually(func() bool { return s.called("ReleaseLink") >= 2 }, time.Second, 2*time.Millisecond)
}

func (s *MachineTestSuite) TestConnectionTimeoutWhileDiscovering() {
	s.cfg.ConnectionTimeout = 120 * time.Millisecond
	m := s.machine()
	s.Require().NoError(m.Connect(peer))
	s.link.LinkUp()

	s.Equal([]Phase{PhaseConnecting, PhaseDiscovering}, s.nextPhases(2))
	s.ErrorIs(s.nextError(), device.ErrTimeout)
	s.Equal([]Phase{PhaseDisconnected}, s.nextPhases(1))
}

func (s *MachineTestSuite) TestConnectedAndDiscoveredBeforeTimeout() {
	// GOAL: Verify the connection timer stops once Ready so a ready link is not torn down
	//
	// TEST SCENARIO: timeout 150ms → ready after ~20ms → wait past 150ms → still Ready

	s.cfg.ConnectionTimeout = 150 * time.Millisecond
	s.connectReady()

	time.Sleep(200 * time.Millisecond)
	s.Equal(PhaseReady, s.m.State().Phase)
	s.assertNoMoreStates()
}

func (s *MachineTestSuite) TestLinkDownWhileConnectingClassifiesStatus() {
	tests := []struct {
		name     string
		status   device.Status
		expected error
	}{
		{name: "gatt error", status: device.StatusGattError, expected: device.ErrLinkError},
		{name: "other failure", status: device.Status(8), expected: device.ErrPeerDisconnected},
		{name: "success status", status: device.StatusSuccess, expected: device.ErrPeerDisconnected},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			m := s.machine()
			defer func() { s.NoError(m.Close()) }()

			s.Require().NoError(m.Connect(peer))
			s.link.LinkDown(tt.status)

			s.Equal(PhaseConnecting, s.nextPhases(1)[0])
			err := s.nextError()
			s.ErrorIs(err, tt.expected)
			s.Equal(tt.status, err.Status)
			s.Equal(PhaseDisconnected, m.State().Phase)
		})
	}
	s.m = nil
}

func (s *MachineTestSuite) TestFailedConnectedCallback() {
	m := s.machine()
	s.Require().NoError(m.Connect(peer))

	s.link.Handler().OnLinkStateChange(device.StatusGattError, device.LinkConnected)

	s.Equal(PhaseConnecting, s.nextPhases(1)[0])
	s.ErrorIs(s.nextError(), device.ErrLinkError)
	s.Equal(PhaseDisconnected, m.State().Phase)
}

func (s *MachineTestSuite) TestDiscoveryFailure() {
	m := s.machine()
	s.Require().NoError(m.Connect(peer))
	s.link.LinkUp()
	s.waitCalled("DiscoverServices", 1)

	s.link.ServicesDiscovered(device.StatusGattError)

	s.Equal([]Phase{PhaseConnecting, PhaseDiscovering}, s.nextPhases(2))
	s.ErrorIs(s.nextError(), device.ErrLinkError)
	s.Equal(PhaseDisconnected, m.State().Phase)
}

func (s *MachineTestSuite) TestDiscoveryCannotStart() {
	s.link.Fail("DiscoverServices", errors.New("not connected"))
	m := s.machine()
	s.Require().NoError(m.Connect(peer))
	s.link.LinkUp()

	s.Equal([]Phase{PhaseConnecting, PhaseDiscovering}, s.nextPhases(2))
	s.ErrorIs(s.nextError(), device.ErrLinkError)
	s.Equal([]Phase{PhaseDisconnected}, s.nextPhases(1))
}

func (s *MachineTestSuite) TestDisconnectFromReady() {
	// GOAL: Verify Disconnect waits for the transport link-down before settling
	//
	// TEST SCENARIO: Ready → Disconnect → Disconnecting (link still held) → link down → Disconnected

	s.connectReady()
	releasesBefore := s.called("ReleaseLink")

	s.Require().NoError(s.m.Disconnect())
	s.Equal(PhaseDisconnecting, s.m.State().Phase)
	s.Equal(1, s.called("RequestDisconnect"))
	s.Equal(releasesBefore, s.called("ReleaseLink"), "link MUST be held until link-down")

	s.link.LinkDown(device.StatusSuccess)

	s.Equal([]Phase{PhaseDisconnecting, PhaseDisconnected}, s.nextPhases(2))
	s.Equal(releasesBefore+1, s.called("ReleaseLink"))
}

func (s *MachineTestSuite) TestConnectWhileDisconnecting() {
	s.connectReady()
	s.Require().NoError(s.m.Disconnect())

	s.ErrorIs(s.m.Connect(peer), device.ErrInvalidState)
}

func (s *MachineTestSuite) TestDisconnectGuardForcesRelease() {
	s.cfg.ConnectionTimeout = 100 * time.Millisecond
	s.connectReady()

	s.Require().NoError(s.m.Disconnect())

	s.Equal([]Phase{PhaseDisconnecting, PhaseDisconnected}, s.nextPhases(2))
	s.True(s.helper.HasLogEntry(logrus.WarnLevel, "No link-down reported, forcing release"))
}

func (s *MachineTestSuite) TestDisconnectAbandonsAttempt() {
	m := s.machine()
	s.Require().NoError(m.Connect(peer))

	s.Require().NoError(m.Disconnect())

	s.Equal([]Phase{PhaseConnecting, PhaseDisconnected}, s.nextPhases(2))
	s.link.AssertNotCalled(s.T(), "RequestDisconnect")

	// A late link-up for the abandoned attempt is released, not adopted
	s.link.LinkUp()
	s.Equal(PhaseDisconnected, m.State().Phase)
}

func (s *MachineTestSuite) TestUnsolicitedLinkDownFromReady() {
	s.connectReady()

	s.link.LinkDown(device.StatusSuccess)
	s.Equal([]Phase{PhaseDisconnected}, s.nextPhases(1))

	s.SetupTest()
	s.connectReady()

	s.link.LinkDown(device.StatusGattError)
	s.Equal([]Phase{PhaseError, PhaseDisconnected}, s.nextPhases(2))
}

func (s *MachineTestSuite) TestReadSuccess() {
	s.connectReady()
	s.link.Hook("ReadCharacteristic", func() {
		go s.link.ReadDone("2a37", []byte{0x00, 0x48}, device.StatusSuccess)
	})

	value, err := s.m.Read(context.Background(), "2A37")

	s.Require().NoError(err)
	s.Equal([]byte{0x00, 0x48}, value)
	s.link.AssertCalled(s.T(), "ReadCharacteristic", "180D", "2A37")
}

func (s *MachineTestSuite) TestSynchronousCallbackInsideRequest() {
	s.connectReady()
	s.link.Hook("ReadCharacteristic", func() {
		s.link.ReadDone("2A37", []byte{0x01}, device.StatusSuccess)
	})

	value, err := s.m.Read(context.Background(), "2A37")

	s.Require().NoError(err)
	s.Equal([]byte{0x01}, value)
}

func (s *MachineTestSuite) TestLookupRunsOutsideStateLock() {
	s.connectReady()
	s.link.Hook("HasCharacteristic", func() {
		// A transport may consult the machine synchronously while answering.
		_ = s.m.State()
	})
	s.link.Hook("ReadCharacteristic", func() {
		go s.link.ReadDone("2A37", []byte{0x02}, device.StatusSuccess)
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.m.Read(context.Background(), "2A37")
		done <- err
	}()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Require().FailNow("read deadlocked in characteristic lookup")
	}
}

func (s *MachineTestSuite) TestReadFailureStatus() {
	s.connectReady()
	s.link.Hook("ReadCharacteristic", func() {
		go s.link.ReadDone("2A37", nil, device.StatusReadNotPermitted)
	})

	_, err := s.m.Read(context.Background(), "2A37")

	s.ErrorIs(err, device.ErrLinkError)
	var devErr *device.Error
	s.Require().ErrorAs(err, &devErr)
	s.Equal(device.StatusReadNotPermitted, devErr.Status)
	s.Equal(PhaseReady, s.m.State().Phase)
}

func (s *MachineTestSuite) TestOperationsFailFastUnlessReady() {
	m := s.machine()

	_, err := m.Read(context.Background(), "2A37")
	s.ErrorIs(err, device.ErrInvalidState)
	s.ErrorIs(m.Write(context.Background(), "2A39", []byte{1}), device.ErrInvalidState)

	s.Require().NoError(m.Connect(peer))
	_, err = m.Read(context.Background(), "2A37")
	s.ErrorIs(err, device.ErrInvalidState)
	s.link.AssertNotCalled(s.T(), "ReadCharacteristic", mock.Anything, mock.Anything)
}

func (s *MachineTestSuite) TestCharacteristicNotFound() {
	s.connectReady()

	_, err := s.m.Read(context.Background(), "2A00")
	s.ErrorIs(err, device.ErrCharacteristicNotFound)

	err = s.m.Write(context.Background(), "2A37", []byte{1}, WithService("180F"))
	s.ErrorIs(err, device.ErrCharacteristicNotFound)
}

func (s *MachineTestSuite) TestWriteOptions() {
	s.link.WithCharacteristic("180F", "2A19")
	s.link.AutoRespond(true)
	s.connectReady()

	err := s.m.Write(context.Background(), "2A19", []byte{0x64}, WithService("180F"), WithMode(device.WriteWithoutResponse))
	s.Require().NoError(err)
	s.link.AssertCalled(s.T(), "WriteCharacteristic", "180F", "2A19", []byte{0x64}, device.WriteWithoutResponse)

	s.Require().NoError(s.m.Write(context.Background(), "2A39", []byte{0x01}))
	s.link.AssertCalled(s.T(), "WriteCharacteristic", "180D", "2A39", []byte{0x01}, device.WriteWithResponse)
}

func (s *MachineTestSuite) TestWriteTimeoutThenFollowUpWrite() {
	// GOAL: Verify a timed-out write frees the queue and a follow-up write succeeds
	//
	// TEST SCENARIO: write with no callback → Timeout after operationTimeout → late callback dropped → next write accepted

	s.connectReady()

	started := time.Now()
	err := s.m.Write(context.Background(), "2A39", []byte{0x01})
	s.ErrorIs(err, device.ErrTimeout)
	s.GreaterOrEqual(time.Since(started), s.cfg.OperationTimeout)

	// Late callback for the first write resolves nothing
	s.link.WriteDone("2A39", device.StatusSuccess)

	s.link.AutoRespond(true)
	s.NoError(s.m.Write(context.Background(), "2A39", []byte{0x02}))
	s.Equal(PhaseReady, s.m.State().Phase)
}

func (s *MachineTestSuite) TestLateResultDoesNotResolveNextWrite() {
	// GOAL: Verify the late result of a timed-out write is not taken as the result of the next write
	//
	// TEST SCENARIO: write #1 times out → write #2 issued → late GATT error for #1 → success for #2 → write #2 succeeds

	s.connectReady()
	s.ErrorIs(s.m.Write(context.Background(), "2A39", []byte{0x01}), device.ErrTimeout)

	s.link.Hook("WriteCharacteristic", func() {
		go func() {
			s.link.WriteDone("2A39", device.StatusGattError)
			s.link.WriteDone("2A39", device.StatusSuccess)
		}()
	})

	s.NoError(s.m.Write(context.Background(), "2A39", []byte{0x02}))

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.Empty(s.m.orphans[opWrite])
}

func (s *MachineTestSuite) TestTeardownForgetsAbandonedRequests() {
	s.connectReady()
	s.ErrorIs(s.m.Write(context.Background(), "2A39", []byte{0x01}), device.ErrTimeout)

	s.m.mu.Lock()
	s.Equal([]string{"2a39"}, s.m.orphans[opWrite])
	s.m.mu.Unlock()

	s.link.LinkDown(device.StatusFailure)
	s.Eventually(func() bool { return s.m.State().Phase == PhaseDisconnected }, time.Second, 2*time.Millisecond)

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.Empty(s.m.orphans[opWrite])
}

func (s *MachineTestSuite) TestExactlyOnceUnderRacingTimeout() {
	// GOAL: Verify a callback racing the operation timer resolves the operation exactly once
	//
	// TEST SCENARIO: operationTimeout 20ms, callbacks fired twice around 20ms → each write returns nil or
	// Timeout, never hangs, and no pending slot leaks

	s.cfg.OperationTimeout = 20 * time.Millisecond
	s.connectReady()
	s.link.Hook("WriteCharacteristic", func() {
		go func() {
			time.Sleep(19 * time.Millisecond)
			s.link.WriteDone("2A39", device.StatusSuccess)
			s.link.WriteDone("2A39", device.StatusSuccess)
		}()
	})

	for i := 0; i < 20; i++ {
		done := make(chan error, 1)
		go func() { done <- s.m.Write(context.Background(), "2A39", []byte{byte(i)}) }()

		select {
		case err := <-done:
			if err != nil {
				s.ErrorIs(err, device.ErrTimeout)
			}
		case <-time.After(time.Second):
			s.Require().FailNow("write never resolved")
		}
	}

	time.Sleep(40 * time.Millisecond)
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.Nil(s.m.pendingWrite)
}

func (s *MachineTestSuite) TestCancellationDropsLateCallback() {
	s.connectReady()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.m.Read(ctx, "2A37")
		errCh <- err
	}()
	s.waitCalled("ReadCharacteristic", 1)

	cancel()
	s.ErrorIs(<-errCh, context.Canceled)

	s.link.ReadDone("2A37", []byte{0x09}, device.StatusSuccess)

	s.link.Hook("ReadCharacteristic", func() {
		go s.link.ReadDone("2A37", []byte{0x07}, device.StatusSuccess)
	})
	value, err := s.m.Read(context.Background(), "2A37")
	s.Require().NoError(err)
	s.Equal([]byte{0x07}, value)
}

func (s *MachineTestSuite) TestMismatchedCallbackIgnored() {
	s.connectReady()
	s.link.Hook("ReadCharacteristic", func() {
		go func() {
			s.link.ReadDone("2A38", []byte{0xFF}, device.StatusSuccess)
			s.link.ReadDone("2A37", []byte{0x01}, device.StatusSuccess)
		}()
	})

	value, err := s.m.Read(context.Background(), "2A37")
	s.Require().NoError(err)
	s.Equal([]byte{0x01}, value)
}

func (s *MachineTestSuite) TestLinkDownFailsPendingOperation() {
	s.connectReady()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.m.Read(context.Background(), "2A37")
		errCh <- err
	}()
	s.waitCalled("ReadCharacteristic", 1)

	s.link.LinkDown(device.StatusGattError)

	err := <-errCh
	s.ErrorIs(err, device.ErrLinkClosed)
	s.ErrorIs(err, device.ErrLinkError, "cause MUST be preserved")
}

func (s *MachineTestSuite) TestCloseFailsPendingAndIsIdempotent() {
	// GOAL: Verify Close fails in-flight operations with LinkClosed, releases the link and can be repeated
	//
	// TEST SCENARIO: Ready + pending read → Close → read fails LinkClosed, Disconnected, second Close no-op

	s.connectReady()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.m.Read(context.Background(), "2A37")
		errCh <- err
	}()
	s.waitCalled("ReadCharacteristic", 1)
	releases := s.called("ReleaseLink")

	s.Require().NoError(s.m.Close())
	s.ErrorIs(<-errCh, device.ErrLinkClosed)
	s.Equal(PhaseDisconnected, s.m.State().Phase)
	s.Equal(releases+1, s.called("ReleaseLink"))

	s.Require().NoError(s.m.Close())
	s.Equal(releases+1, s.called("ReleaseLink"))

	s.ErrorIs(s.m.Connect(peer), device.ErrLinkClosed)

	s.Equal([]Phase{PhaseDisconnected}, s.nextPhases(1))
	_, ok := <-s.states.C()
	s.False(ok, "state stream MUST close with the machine")
}

func (s *MachineTestSuite) TestCloseDuringConnect() {
	// GOAL: Verify a connect whose transport call returns after Close releases the new link
	//
	// TEST SCENARIO: Close runs inside RequestConnect → Connect returns LinkClosed → ReleaseLink after RequestConnect

	m := s.machine()
	s.link.Hook("RequestConnect", func() { s.NoError(m.Close()) })

	err := m.Connect(peer)

	s.ErrorIs(err, device.ErrLinkClosed)
	calls := s.link.CallOrder()
	idx := slices.Index(calls, "RequestConnect")
	s.Require().GreaterOrEqual(idx, 0)
	s.Contains(calls[idx+1:], "ReleaseLink")
	s.Equal(PhaseDisconnected, m.State().Phase)
}

func (s *MachineTestSuite) TestConcurrentCloseAndConnect() {
	m := s.machine()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = m.Connect(peer) }()
		go func() { defer wg.Done(); _ = m.Close() }()
	}
	wg.Wait()

	s.Equal(PhaseDisconnected, m.State().Phase)
}

func (s *MachineTestSuite) TestNotificationsEnabledOnReady() {
	s.cfg.EnableNotificationOnConnect = true
	s.cfg.NotifyCharacteristicID = "2A37"
	s.link.Hook("SetNotification", func() {
		go s.link.NotificationSet("2A37", true, device.StatusSuccess)
	})

	s.connectReady()

	s.Eventually(func() bool {
		return s.helper.HasLogEntry(logrus.InfoLevel, "Notifications enabled")
	}, time.Second, 2*time.Millisecond)
	s.link.AssertCalled(s.T(), "SetNotification", "180D", "2A37", true)
}

func (s *MachineTestSuite) TestNotificationEnableFailureKeepsReady() {
	s.cfg.EnableNotificationOnConnect = true
	s.cfg.NotifyCharacteristicID = "2A37"
	s.link.Hook("SetNotification", func() {
		go s.link.NotificationSet("2A37", true, device.StatusWriteNotPermitted)
	})

	s.connectReady()

	s.Eventually(func() bool {
		return s.helper.HasLogEntry(logrus.WarnLevel, "Failed to enable notifications")
	}, time.Second, 2*time.Millisecond)
	s.Equal(PhaseReady, s.m.State().Phase)
	s.assertNoMoreStates()
}

func (s *MachineTestSuite) TestPushEventsBypassQueue() {
	s.connectReady()
	sub := s.m.Notifications()
	defer sub.Close()

	// Hold the queue with a read that never completes.
	go func() { _, _ = s.m.Read(context.Background(), "2A37") }()
	s.waitCalled("ReadCharacteristic", 1)

	s.link.Push("2A37", []byte{0x00, 0x50})

	select {
	case n := <-sub.C():
		s.Equal("2a37", n.CharacteristicID)
		s.Equal([]byte{0x00, 0x50}, n.Payload)
		s.Equal(uint64(1), n.Seq)
	case <-time.After(time.Second):
		s.Require().FailNow("notification not delivered")
	}
}

func (s *MachineTestSuite) TestWaitFor() {
	m := s.machine()
	s.link.AutoRespond(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.Require().NoError(m.Connect(peer))
	st, err := m.WaitFor(ctx, PhaseReady, PhaseError)
	s.Require().NoError(err)
	s.Equal(PhaseReady, st.Phase)
	s.Equal(peer, st.Address)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = m.WaitFor(short, PhaseDisconnecting)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func TestStateString(t *testing.T) {
	st := State{Phase: PhaseError, Err: device.NewError(device.KindTimeout, "slow")}
	if got := st.String(); got != "error(timeout: slow)" {
		t.Fatalf("unexpected state string %q", got)
	}
	if got := (State{Phase: PhaseReady}).String(); got != "ready" {
		t.Fatalf("unexpected state string %q", got)
	}
}
