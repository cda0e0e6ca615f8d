package reader

import (
	"context"
	"errors"
	"time"

	"github.com/SimplyPrint/nfc-agent/internal/logging"
	"github.com/SimplyPrint/nfc-agent/internal/spi"
)

// monitoringJob is the contract every monitoring job implements: Run
// iterates, posting internal events to sm, until Stop is called or the job
// decides on its own to exit. The job receives sm as a borrowed reference
// for the lifetime of Run, never an owning handle — once Run returns the
// state machine drops the job.
type monitoringJob interface {
	Run(sm *StateMachine)
	Stop()
}

// errorRouter is implemented by the owning reader so jobs can route a
// driver error to the reader's observation exception handler without
// importing the observable reader type (avoiding an import cycle).
type errorRouter interface {
	routeMonitoringError(err error)
}

const defaultCycleDuration = 200 * time.Millisecond

// cardInsertionActiveJob polls driver.CheckCardPresence every cycle until it
// returns true, then posts CARD_INSERTED and exits.
type cardInsertionActiveJob struct {
	driver spi.ReaderSpi
	router errorRouter
	cycle  time.Duration
	stopCh chan struct{}
}

func newCardInsertionActiveJob(driver spi.ReaderSpi, router errorRouter) *cardInsertionActiveJob {
	return &cardInsertionActiveJob{driver: driver, router: router, cycle: defaultCycleDuration, stopCh: make(chan struct{})}
}

func (j *cardInsertionActiveJob) Run(sm *StateMachine) {
	ticker := time.NewTicker(j.cycle)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			present, err := j.driver.CheckCardPresence()
			if err != nil {
				j.router.routeMonitoringError(err)
				return
			}
			if present {
				sm.OnEvent(EventCardInserted)
				return
			}
		}
	}
}

func (j *cardInsertionActiveJob) Stop() {
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
}

// cardInsertionPassiveJob calls the driver's blocking WaitForCardInsertion.
type cardInsertionPassiveJob struct {
	driver     spi.WaitForCardInsertionBlockingSpi
	readerName string
	ctx        context.Context
	cancel     context.CancelFunc
}

func newCardInsertionPassiveJob(driver spi.WaitForCardInsertionBlockingSpi, readerName string) *cardInsertionPassiveJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &cardInsertionPassiveJob{driver: driver, readerName: readerName, ctx: ctx, cancel: cancel}
}

func (j *cardInsertionPassiveJob) Run(sm *StateMachine) {
	err := j.driver.WaitForCardInsertion(j.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || j.ctx.Err() != nil {
			return
		}
		// Driver I/O error: log a warning, post STOP_DETECT so the state
		// machine returns to WAIT_FOR_START_DETECTION, and exit.
		logging.Warn(logging.CatReader, "card insertion wait failed", map[string]any{
			"reader": j.readerName,
			"error":  err.Error(),
		})
		sm.OnEvent(EventStopDetect)
		return
	}
	sm.OnEvent(EventCardInserted)
}

func (j *cardInsertionPassiveJob) Stop() {
	j.cancel()
	j.driver.StopWaitForCardInsertion()
}

// cardRemovalActiveJob polls driver.CheckCardPresence until it returns
// false, then posts CARD_REMOVED and exits.
type cardRemovalActiveJob struct {
	driver spi.ReaderSpi
	router errorRouter
	cycle  time.Duration
	stopCh chan struct{}
}

func newCardRemovalActiveJob(driver spi.ReaderSpi, router errorRouter) *cardRemovalActiveJob {
	return &cardRemovalActiveJob{driver: driver, router: router, cycle: defaultCycleDuration, stopCh: make(chan struct{})}
}

func (j *cardRemovalActiveJob) Run(sm *StateMachine) {
	ticker := time.NewTicker(j.cycle)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			present, err := j.driver.CheckCardPresence()
			if err != nil {
				j.router.routeMonitoringError(err)
				return
			}
			if !present {
				sm.OnEvent(EventCardRemoved)
				return
			}
		}
	}
}

func (j *cardRemovalActiveJob) Stop() {
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
}

// cardRemovalPassiveJob calls the driver's blocking WaitForCardRemoval.
type cardRemovalPassiveJob struct {
	driver     spi.WaitForCardRemovalBlockingSpi
	readerName string
	ctx        context.Context
	cancel     context.CancelFunc
}

func newCardRemovalPassiveJob(driver spi.WaitForCardRemovalBlockingSpi, readerName string) *cardRemovalPassiveJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &cardRemovalPassiveJob{driver: driver, readerName: readerName, ctx: ctx, cancel: cancel}
}

func (j *cardRemovalPassiveJob) Run(sm *StateMachine) {
	err := j.driver.WaitForCardRemoval(j.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || j.ctx.Err() != nil {
			return
		}
		// Driver I/O error: log a warning, post STOP_DETECT so the state
		// machine returns to WAIT_FOR_START_DETECTION, and exit.
		logging.Warn(logging.CatReader, "card removal wait failed", map[string]any{
			"reader": j.readerName,
			"error":  err.Error(),
		})
		sm.OnEvent(EventStopDetect)
		return
	}
	sm.OnEvent(EventCardRemoved)
}

func (j *cardRemovalPassiveJob) Stop() {
	j.cancel()
	j.driver.StopWaitForCardRemoval()
}

// processingPinger is implemented by the observable reader so the
// processing-state ping job can probe presence without importing the
// observable reader type (avoiding an import cycle).
type processingPinger interface {
	isCardPresentPing() bool
}

// cardProcessingPingJob polls isCardPresentPing while a card is being
// processed by the application, so a silent removal during processing is
// still detected instead of only surfacing at the next detection cycle.
// Drivers implementing DontWaitForCardRemovalDuringProcessingSpi disable
// this ping entirely; see ObservableLocalReader.launchProcessingPingJob.
type cardProcessingPingJob struct {
	pinger processingPinger
	cycle  time.Duration
	stopCh chan struct{}
}

func newCardProcessingPingJob(pinger processingPinger) *cardProcessingPingJob {
	return &cardProcessingPingJob{pinger: pinger, cycle: defaultCycleDuration, stopCh: make(chan struct{})}
}

func (j *cardProcessingPingJob) Run(sm *StateMachine) {
	ticker := time.NewTicker(j.cycle)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			if !j.pinger.isCardPresentPing() {
				sm.OnEvent(EventCardRemoved)
				return
			}
		}
	}
}

func (j *cardProcessingPingJob) Stop() {
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
}
