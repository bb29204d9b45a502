package engage

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()
	assert.Equal(t, 0, callbacks.Count())

	values := []int{}
	aId := callbacks.Add(func(value int) {
		values = append(values, value)
	})
	bId := callbacks.Add(func(value int) {
		values = append(values, value*10)
	})
	assert.Equal(t, 2, callbacks.Count())

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, []int{1, 10}, values)

	callbacks.Remove(aId)
	assert.Equal(t, 1, callbacks.Count())
	for _, callback := range callbacks.Get() {
		callback(2)
	}
	assert.Equal(t, []int{1, 10, 20}, values)

	// removing twice is a no-op
	callbacks.Remove(aId)
	callbacks.Remove(bId)
	assert.Equal(t, 0, callbacks.Count())
}

func TestCallbackListRemoveDuringCallback(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	calls := 0
	var callbackId int
	callbackId = callbacks.Add(func() {
		calls += 1
		callbacks.Remove(callbackId)
	})

	for _, callback := range callbacks.Get() {
		callback()
	}
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, 1, calls)
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notifyChannel := monitor.NotifyChannel()
	select {
	case <-notifyChannel:
		t.Fatal("notified before NotifyAll")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notifyChannel:
	case <-time.After(time.Second):
		t.Fatal("missed notify")
	}

	// each NotifyAll swaps in a fresh channel
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatal("fresh channel already notified")
	default:
	}
}
