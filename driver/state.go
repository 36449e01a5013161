package driver

import (
	"sync"
	"time"
)

const (
	UnitsMgdl int = 0
	UnitsMmol int = 1
)

// PumpState is the last known state of the pump. Device-reported fields are
// written by command handlers only; the bookkeeping timestamps at the end
// are written by the operations through the Pump methods below.
type PumpState struct {
	PumpTime time.Time `json:"pump_time"`
	Password int       `json:"password"`

	IsNewPump       bool      `json:"is_new_pump"`
	HardwareModel   int       `json:"hardware_model"`
	ProtocolVersion int       `json:"protocol_version"`
	ProductCode     int       `json:"product_code"`
	SerialNumber    string    `json:"serial_number"`
	ShippingDate    time.Time `json:"shipping_date"`
	ShippingCountry string    `json:"shipping_country"`

	Suspended               bool      `json:"suspended"`
	CalculatorEnabled       bool      `json:"calculator_enabled"`
	BolusBlocked            bool      `json:"bolus_blocked"`
	DailyTotalUnits         float64   `json:"daily_total_units"`
	MaxDailyTotalUnits      float64   `json:"max_daily_total_units"`
	ReservoirRemainingUnits float64   `json:"reservoir_remaining_units"`
	BatteryRemaining        int       `json:"battery_remaining"`
	CurrentBasal            float64   `json:"current_basal"`
	IOB                     float64   `json:"iob"`
	LastBolusTime           time.Time `json:"last_bolus_time"`
	LastBolusAmount         float64   `json:"last_bolus_amount"`
	LastErrorCode           int       `json:"last_error_code"`

	IsTempBasalInProgress    bool      `json:"is_temp_basal_in_progress"`
	IsAPSTempBasalInProgress bool      `json:"is_aps_temp_basal_in_progress"`
	TempBasalPercent         int       `json:"temp_basal_percent"`
	TempBasalTotalSec        int       `json:"temp_basal_total_sec"`
	TempBasalStart           time.Time `json:"temp_basal_start"`

	IsExtendedInProgress  bool      `json:"is_extended_in_progress"`
	ExtendedBolusAmount   float64   `json:"extended_bolus_amount"`
	ExtendedBolusMinutes  int       `json:"extended_bolus_minutes"`
	ExtendedBolusSoFarSec int       `json:"extended_bolus_so_far_sec"`
	ExtendedBolusStart    time.Time `json:"extended_bolus_start"`

	ActiveProfile int         `json:"active_profile"`
	BasalRates    [24]float64 `json:"basal_rates"`
	BasalStep     float64     `json:"basal_step"`
	BolusStep     float64     `json:"bolus_step"`
	BolusEnabled  bool        `json:"bolus_enabled"`
	MaxBolus      float64     `json:"max_bolus"`
	MaxBasal      float64     `json:"max_basal"`
	Units         int         `json:"units"`
	EasyBasalMode bool        `json:"easy_basal_mode"`
	CurrentCIR    float64     `json:"current_cir"`
	CurrentCF     float64     `json:"current_cf"`
	CurrentAI     float64     `json:"current_ai"`
	CurrentTarget float64     `json:"current_target"`
	// Morning, afternoon, evening, night
	CF  [4]float64 `json:"cf"`
	CIR [4]float64 `json:"cir"`

	LastSettingsRead time.Time `json:"last_settings_read"`
	LastConnection   time.Time `json:"last_connection"`
	// Unix milliseconds of the history watermark; 0 requests the full history
	LastHistoryFetched int64 `json:"last_history_fetched"`
}

// Pump owns the PumpState for one paired device. Readers get copies; a
// multi-field update from one frame is applied under the lock as a unit.
type Pump struct {
	mu    sync.RWMutex
	state PumpState
}

func NewPump() *Pump {
	return &Pump{state: PumpState{Password: -1, IsNewPump: true}}
}

func (p *Pump) Snapshot() PumpState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Restore replaces the state with a previously saved snapshot.
func (p *Pump) Restore(s PumpState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Pump) update(fn func(s *PumpState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.state)
}

func (p *Pump) MarkSettingsRead(t time.Time) {
	p.update(func(s *PumpState) { s.LastSettingsRead = t })
}

// ForceSettingsRefresh makes the next status refresh re-read all settings.
func (p *Pump) ForceSettingsRefresh() {
	p.update(func(s *PumpState) { s.LastSettingsRead = time.Unix(0, 0) })
}

func (p *Pump) MarkConnection(t time.Time) {
	p.update(func(s *PumpState) { s.LastConnection = t })
}

func (p *Pump) Watermark() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.LastHistoryFetched
}

func (p *Pump) SetWatermark(ms int64) {
	if ms < 0 {
		ms = 0
	}
	p.update(func(s *PumpState) { s.LastHistoryFetched = ms })
}
