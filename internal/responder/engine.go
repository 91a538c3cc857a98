// Package responder implements the MTP session/transaction state
// machine (spec.md §4.5): one cooperative loop that serializes command
// dispatch, forwards storage events to the interrupt endpoint, and
// defers non-storage-independent operations until every configured
// storage has reported ready.
package responder

import (
	"context"
	"time"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/events"
	"github.com/go-mtp/mtpd/internal/logger"
	"github.com/go-mtp/mtpd/internal/metrics"
	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
	"github.com/go-mtp/mtpd/internal/storage"
	"github.com/go-mtp/mtpd/internal/telemetry"
)

// storageInfoCoalesceWindow bounds how often a StorageInfoChanged event
// for the same storage is forwarded to the initiator (spec.md §4.5
// "Events" rate-limiting).
const storageInfoCoalesceWindow = 2 * time.Second

// Engine owns the responder's state machine, the one open session, and
// the dispatch table. A single instance serves exactly one transport
// connection at a time, mirroring the "single cooperative task"
// concurrency model of spec.md §5.
type Engine struct {
	factory    *storage.Factory
	deviceInfo DeviceInfoProvider
	transport  Transport

	state   State
	prior   State // saved state across a Suspend
	sess    session

	storageReady map[uint32]bool
	pending      [][]byte
	extensions   map[mtp.OpCode]extension

	lastStorageInfoEvent map[uint32]time.Time

	metrics     *metrics.Metrics
	tracer      *telemetry.Provider
	thumbnailer Thumbnailer
}

// Thumbnailer generates object thumbnails on demand (the thumbnail
// collaborator of spec.md §1); nil leaves GetThumb answering
// NoThumbnailPresent.
type Thumbnailer interface {
	GenerateThumbnail(ctx context.Context, path string, format uint16) ([]byte, error)
}

// SetThumbnailer attaches a thumbnail collaborator; nil disables it.
func (e *Engine) SetThumbnailer(t Thumbnailer) { e.thumbnailer = t }

// SetMetrics attaches a metrics bundle; nil disables recording.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetTracer attaches a telemetry provider; nil disables tracing.
func (e *Engine) SetTracer(t *telemetry.Provider) { e.tracer = t }

// New builds an engine over factory and deviceInfo, to be driven by
// Run once a transport is attached.
func New(factory *storage.Factory, deviceInfo DeviceInfoProvider) *Engine {
	ready := make(map[uint32]bool)
	for _, id := range factory.StorageIDs() {
		ready[id] = false
	}
	return &Engine{
		factory:              factory,
		deviceInfo:           deviceInfo,
		state:                WaitStorage,
		storageReady:         ready,
		lastStorageInfoEvent: make(map[uint32]time.Time),
	}
}

func (e *Engine) allStorageReady() bool {
	for _, ready := range e.storageReady {
		if !ready {
			return false
		}
	}
	return true
}

// Run drives the engine over t until ctx is cancelled or the transport
// closes its frame channel.
func (e *Engine) Run(ctx context.Context, t Transport) {
	e.transport = t
	if e.allStorageReady() {
		e.state = Idle
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-t.Frames():
			if !ok {
				return
			}
			e.handleFrame(frame)
		case ev, ok := <-e.factory.Events().Events():
			if !ok {
				return
			}
			e.handleEvent(ev)
		case suspend, ok := <-t.Suspended():
			if !ok {
				continue
			}
			if suspend {
				e.suspend()
			} else {
				e.resume()
			}
		}
	}
}

// suspend and resume implement the *->Suspend->* arc: the prior state
// is preserved and restored verbatim (spec.md §4.5).
func (e *Engine) suspend() {
	if e.state == Suspend {
		return
	}
	e.prior = e.state
	e.state = Suspend
}

func (e *Engine) resume() {
	if e.state != Suspend {
		return
	}
	e.state = e.prior
}

func (e *Engine) handleEvent(ev events.Event) {
	if ev.Kind == events.StorageReady {
		e.storageReady[ev.StorageID] = true
		logger.Info("storage ready", logger.StorageID(ev.StorageID))
		if e.allStorageReady() && e.state == WaitStorage {
			e.state = Idle
			e.flushPending()
		}
		return
	}

	if ev.Kind == events.StorageInfoChanged {
		last := e.lastStorageInfoEvent[ev.StorageID]
		if time.Since(last) < storageInfoCoalesceWindow {
			return
		}
		e.lastStorageInfoEvent[ev.StorageID] = time.Now()
	}

	enc := container.NewEncoder(mtp.ContainerEvent, uint16(ev.Kind.Code()), 0)
	switch ev.Kind {
	case events.ObjectAdded, events.ObjectRemoved, events.ObjectInfoChanged, events.ObjectPropChanged:
		enc.PutU32(ev.Handle)
	case events.StorageInfoChanged:
		enc.PutU32(ev.StorageID)
	case events.DevicePropChanged:
		enc.PutU32(uint32(ev.DevProp))
	}
	if err := e.transport.WriteInterrupt(enc.Finish()); err != nil {
		logger.Warn("interrupt write failed", logger.Err(err))
		return
	}
	if e.metrics != nil {
		e.metrics.EventsForwarded.WithLabelValues(eventKindName(ev.Kind)).Inc()
	}
}

func eventKindName(k events.Kind) string {
	switch k {
	case events.ObjectAdded:
		return "ObjectAdded"
	case events.ObjectRemoved:
		return "ObjectRemoved"
	case events.ObjectInfoChanged:
		return "ObjectInfoChanged"
	case events.ObjectPropChanged:
		return "ObjectPropChanged"
	case events.StorageInfoChanged:
		return "StorageInfoChanged"
	case events.DevicePropChanged:
		return "DevicePropChanged"
	default:
		return "Unknown"
	}
}

// flushPending replays frames buffered while the engine was in
// WaitStorage, in original arrival order. Frames are popped one at a
// time so a replayed command's data phase is found by awaitDataPhase in
// the remaining queue rather than lost.
func (e *Engine) flushPending() {
	for len(e.pending) > 0 {
		frame := e.pending[0]
		e.pending = e.pending[1:]
		e.handleFrame(frame)
	}
}

func (e *Engine) handleFrame(frame []byte) {
	header, err := container.ParseHeader(frame)
	if err != nil {
		logger.Warn("malformed container", logger.Err(err))
		return
	}
	if e.state == WaitStorage {
		// Storage-dependent requests are buffered whole (the command
		// and any data phase that follows it) and replayed in arrival
		// order once every storage has reported ready.
		needsBuffer := header.Type == mtp.ContainerData ||
			(header.Type == mtp.ContainerCommand && mtp.RequiresStorage(mtp.OpCode(header.Code)))
		if needsBuffer {
			e.pending = append(e.pending, frame)
			return
		}
	}
	if header.Type != mtp.ContainerCommand {
		// A bare Data container with no preceding Command the engine is
		// waiting on; nothing to do but drop it.
		return
	}

	op := mtp.OpCode(header.Code)
	payload := frame[mtp.HeaderSize:]
	if e.transport.Cancelled() {
		e.enterCancel(header.TransactionID)
		return
	}

	tx := &transaction{header: header, op: op, nparam: paramCount(payload)}
	tx.params = parseParams(payload)

	if code, ok := e.precheck(tx); !ok {
		e.sendResponse(tx, result{code: code})
		return
	}

	proc, known := e.lookup(op)
	if !known {
		e.sendResponse(tx, fail(mtp.RespOperationNotSupported))
		return
	}

	if e.needsIncomingData(op) {
		e.state = WaitData
		dataFrame, ok := e.awaitDataPhase()
		if !ok {
			e.state = Idle
			return
		}
		tx.dataIn = dataFrame
	}

	e.state = WaitResponse
	res := e.dispatch(proc, tx)
	e.sendResponse(tx, res)
	if e.state != TxCancel {
		e.state = Idle
	}
}

// dispatch runs proc's handler within its own trace span when a
// tracer is attached, one span per MTP transaction (spec.md §2.2
// DOMAIN STACK, otel wiring).
func (e *Engine) dispatch(proc procedure, tx *transaction) result {
	if e.tracer == nil {
		return proc.Handler(e, tx)
	}
	ctx, span := e.tracer.StartTransaction(context.Background(), proc.Name, tx.header.TransactionID)
	defer span.End()
	_ = ctx
	return proc.Handler(e, tx)
}

// precheck applies spec.md §4.5's fixed order: session open, then
// transaction ID monotonicity, then opcode support.
func (e *Engine) precheck(tx *transaction) (mtp.ResponseCode, bool) {
	if mtp.RequiresSession(tx.op) && !e.sess.open {
		return mtp.RespSessionNotOpen, false
	}
	if tx.op != mtp.OpOpenSession && tx.op != mtp.OpCloseSession {
		if !e.sess.checkTransactionID(tx.header.TransactionID) {
			return mtp.RespInvalidTransactionID, false
		}
	}
	if _, known := e.lookup(tx.op); !known {
		return mtp.RespOperationNotSupported, false
	}
	return mtp.RespOK, true
}

// awaitDataPhase blocks for the initiator's Data container, draining
// any frames still queued from a WaitStorage replay before falling back
// to the live transport channel.
func (e *Engine) awaitDataPhase() ([]byte, bool) {
	for {
		var frame []byte
		if len(e.pending) > 0 {
			frame = e.pending[0]
			e.pending = e.pending[1:]
		} else {
			var ok bool
			frame, ok = <-e.transport.Frames()
			if !ok {
				return nil, false
			}
		}
		header, err := container.ParseHeader(frame)
		if err != nil || header.Type != mtp.ContainerData {
			continue
		}
		return frame, true
	}
}

func (e *Engine) enterCancel(txID uint32) {
	e.state = TxCancel
	logger.Info("transaction cancelled", logger.TransactionID(txID))
	e.transport.ClearCancel()
	e.state = Idle
}

func (e *Engine) sendResponse(tx *transaction, res result) {
	if e.transport.Cancelled() {
		// A cancelled transaction gets no response; enterCancel clears
		// the cancel flag and returns the engine to Idle at once
		// (spec.md §5 "Cancellation").
		e.enterCancel(tx.header.TransactionID)
		return
	}
	if res.data != nil {
		if err := e.transport.WriteBulkIn(res.data.Finish()); err != nil {
			logger.Warn("bulk-in data write failed", logger.Err(err))
		}
	}
	enc := container.NewEncoder(mtp.ContainerResponse, uint16(res.code), tx.header.TransactionID)
	for _, p := range res.params {
		enc.PutU32(p)
	}
	if err := e.transport.WriteBulkIn(enc.Finish()); err != nil {
		logger.Warn("response write failed", logger.Err(err))
	}

	if e.metrics != nil {
		name := mtp.OpCodeName(tx.op)
		e.metrics.Transactions.WithLabelValues(name).Inc()
		if res.code != mtp.RespOK {
			e.metrics.TransactionErrors.WithLabelValues(name, mtp.ResponseName(res.code)).Inc()
		}
	}
	if res.code != mtp.RespOK {
		logger.Warn("operation failed",
			logger.Opcode(uint16(tx.op)),
			logger.OpcodeName(mtp.OpCodeName(tx.op)),
			logger.Status(uint16(res.code)),
			logger.StatusMsg(mtp.ResponseName(res.code)))
	}
}

// respond translates a domain error into a result, leaning on
// mtperr.ToResponseCode the same way storage callers throughout the
// tree do.
func respond(err error, params ...uint32) result {
	if err == nil {
		return ok(params...)
	}
	return fail(mtperr.ToResponseCode(err))
}
