package serialmux

import (
	"context"
	"net/http"
)

// DisabledSerialMux stands in when no signal device is configured. It never
// produces lines, but subscriber channels still close on Unsubscribe and
// Close so readers unblock at shutdown.
type DisabledSerialMux struct {
	subs *fanout
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: newFanout(0)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) { return d.subs.add() }
func (d *DisabledSerialMux) Unsubscribe(id string)            { d.subs.remove(id) }
func (d *DisabledSerialMux) SendCommand(string) error         { return nil }
func (d *DisabledSerialMux) Initialize() error                { return nil }

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.subs.close()
	return nil
}

func (d *DisabledSerialMux) Stats() Stats {
	return Stats{Subscribers: d.subs.size()}
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("signal device disabled\n"))
	})
}

var (
	_ SerialMuxInterface = (*DisabledSerialMux)(nil)
	_ SerialMuxInterface = (*SerialMux[SerialPorter])(nil)
)
