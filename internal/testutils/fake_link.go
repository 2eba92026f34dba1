package testutils

import (
	"bytes"
	"sync"

	"github.com/srg/gattmgr/internal/device"
	"github.com/stretchr/testify/mock"
)

// FakeLink is a scriptable device.Link.
//
// Every request is recorded through the embedded mock.Mock, so tests can use
// AssertCalled / AssertNumberOfCalls. Request errors are injected with Fail,
// and transport callbacks are fired explicitly with LinkUp, LinkDown,
// ServicesDiscovered and friends. With AutoRespond enabled every request is
// answered asynchronously with a successful callback.
type FakeLink struct {
	mock.Mock

	mu          sync.Mutex
	handler     device.LinkHandler
	chars       map[string]map[string]bool // service -> characteristic
	values      map[string][]byte
	errs        map[string]error
	autoRespond bool
	order       []string
	hooks       map[string]func()
}

// NewFakeLink creates a link that accepts every request.
func NewFakeLink() *FakeLink {
	f := &FakeLink{
		chars:  make(map[string]map[string]bool),
		values: make(map[string][]byte),
		errs:   make(map[string]error),
		hooks:  make(map[string]func()),
	}
	f.On("RequestConnect", mock.Anything, mock.Anything).Maybe()
	f.On("RequestDisconnect").Maybe()
	f.On("ReleaseLink").Maybe()
	f.On("DiscoverServices").Maybe()
	f.On("ReadCharacteristic", mock.Anything, mock.Anything).Maybe()
	f.On("WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	f.On("SetNotification", mock.Anything, mock.Anything, mock.Anything).Maybe()
	return f
}

// WithCharacteristic adds a characteristic to the discovered profile, with an optional read value.
func (f *FakeLink) WithCharacteristic(serviceID, charID string, value ...byte) *FakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()

	svc := device.NormalizeUUID(serviceID)
	if f.chars[svc] == nil {
		f.chars[svc] = make(map[string]bool)
	}
	char := device.NormalizeUUID(charID)
	f.chars[svc][char] = true
	f.values[char] = bytes.Clone(value)
	return f
}

// AutoRespond makes every request trigger its successful callback on a new goroutine.
func (f *FakeLink) AutoRespond(enabled bool) *FakeLink {
	f.mu.Lock()
	f.autoRespond = enabled
	f.mu.Unlock()
	return f
}

// Fail makes every subsequent call of method return err until Fail(method, nil).
func (f *FakeLink) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// CallOrder returns the names of the link methods called so far, in order.
func (f *FakeLink) CallOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// Handler returns the handler registered by the machine under test.
func (f *FakeLink) Handler() device.LinkHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// Hook runs fn synchronously inside every call of method, before it returns.
func (f *FakeLink) Hook(method string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn == nil {
		delete(f.hooks, method)
		return
	}
	f.hooks[method] = fn
}

func (f *FakeLink) enter(method string) (auto bool, err error) {
	f.mu.Lock()
	f.order = append(f.order, method)
	auto, err = f.autoRespond, f.errs[method]
	hook := f.hooks[method]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return auto, err
}

func (f *FakeLink) SetHandler(h device.LinkHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *FakeLink) RequestConnect(address string, autoReconnect bool) error {
	f.Called(address, autoReconnect)
	auto, err := f.enter("RequestConnect")
	if err == nil && auto {
		go f.LinkUp()
	}
	return err
}

func (f *FakeLink) RequestDisconnect() error {
	f.Called()
	auto, err := f.enter("RequestDisconnect")
	if err == nil && auto {
		go f.LinkDown(device.StatusSuccess)
	}
	return err
}

func (f *FakeLink) ReleaseLink() {
	f.Called()
	_, _ = f.enter("ReleaseLink")
}

func (f *FakeLink) DiscoverServices() error {
	f.Called()
	auto, err := f.enter("DiscoverServices")
	if err == nil && auto {
		go f.ServicesDiscovered(device.StatusSuccess)
	}
	return err
}

// HasCharacteristic answers from the scripted profile. A hook on it runs without
// touching the recorded call order.
func (f *FakeLink) HasCharacteristic(serviceID, charID string) bool {
	f.mu.Lock()
	hook := f.hooks["HasCharacteristic"]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	char := device.NormalizeUUID(charID)
	if serviceID == "" {
		for _, chars := range f.chars {
			if chars[char] {
				return true
			}
		}
		return false
	}
	return f.chars[device.NormalizeUUID(serviceID)][char]
}

func (f *FakeLink) ReadCharacteristic(serviceID, charID string) error {
	f.Called(serviceID, charID)
	auto, err := f.enter("ReadCharacteristic")
	if err == nil && auto {
		f.mu.Lock()
		value := bytes.Clone(f.values[device.NormalizeUUID(charID)])
		f.mu.Unlock()
		go f.ReadDone(charID, value, device.StatusSuccess)
	}
	return err
}

func (f *FakeLink) WriteCharacteristic(serviceID, charID string, data []byte, mode device.WriteMode) error {
	f.Called(serviceID, charID, data, mode)
	auto, err := f.enter("WriteCharacteristic")
	if err == nil && auto {
		f.mu.Lock()
		f.values[device.NormalizeUUID(charID)] = bytes.Clone(data)
		f.mu.Unlock()
		go f.WriteDone(charID, device.StatusSuccess)
	}
	return err
}

func (f *FakeLink) SetNotification(serviceID, charID string, enabled bool) error {
	f.Called(serviceID, charID, enabled)
	auto, err := f.enter("SetNotification")
	if err == nil && auto {
		go f.NotificationSet(charID, enabled, device.StatusSuccess)
	}
	return err
}

// LinkUp fires a successful connected callback.
func (f *FakeLink) LinkUp() {
	f.Handler().OnLinkStateChange(device.StatusSuccess, device.LinkConnected)
}

// LinkDown fires a disconnected callback with status.
func (f *FakeLink) LinkDown(status device.Status) {
	f.Handler().OnLinkStateChange(status, device.LinkDisconnected)
}

// ServicesDiscovered fires the discovery callback.
func (f *FakeLink) ServicesDiscovered(status device.Status) {
	f.Handler().OnServicesDiscovered(status)
}

// ReadDone fires a read callback.
func (f *FakeLink) ReadDone(charID string, value []byte, status device.Status) {
	f.Handler().OnCharacteristicRead(charID, value, status)
}

// WriteDone fires a write callback.
func (f *FakeLink) WriteDone(charID string, status device.Status) {
	f.Handler().OnCharacteristicWrite(charID, status)
}

// NotificationSet fires a notification-state callback.
func (f *FakeLink) NotificationSet(charID string, enabled bool, status device.Status) {
	f.Handler().OnNotificationStateChange(charID, enabled, status)
}

// Push fires a characteristic value-changed event.
func (f *FakeLink) Push(charID string, value []byte) {
	f.Handler().OnValueChanged(charID, value)
}
