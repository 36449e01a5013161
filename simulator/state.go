package simulator

import (
	"time"

	"dana/pump/driver"
)

const (
	Idle     int = 0
	Bolusing int = 1
)

// SimulatorState is the pump side of the conversation: what a DanaR v2
// would report over the wire.
type SimulatorState struct {
	name          string
	hardwareModel byte
	password      int
	status        int

	serialNumber     string
	shippingCountry  string
	shippingDate     time.Time
	reservoirLevel   float64
	batteryRemaining int
	dailyTotalUnits  float64
	maxDailyTotal    float64
	isSuspended      bool
	currentBasal     float64
	iob              float64

	basalRates    [24]float64
	activeProfile int
	basalStep     float64
	bolusStep     float64
	maxBolus      float64
	maxBasal      float64
	units         int
	cir           [4]int
	cf            [4]int

	tempBasalPercentage int
	tempBasalDuration   int
	tempBasalStart      time.Time
	tempBasalActiveTill *time.Time
	tempBasalAPS        bool

	extendedAmount    float64
	extendedHalfHours int
	extendedStart     *time.Time

	lastBolusTime   time.Time
	lastBolusAmount float64

	pumpTimeSkew time.Duration

	events []driver.HistoryRecord
	pages  map[uint16][]driver.HistoryRecord
}

func defaultState(name string, password int) SimulatorState {
	return SimulatorState{
		name:             name,
		password:         password,
		status:           Idle,
		serialNumber:     "AAB12345CD",
		shippingCountry:  "NLD",
		shippingDate:     time.Date(2024, 5, 17, 0, 0, 0, 0, time.Local),
		reservoirLevel:   250,
		batteryRemaining: 80,
		maxDailyTotal:    40,
		currentBasal:     0.6,
		basalRates: [24]float64{
			0.5, 0.5, 0.5, 0.6, 0.6, 0.7, 0.8, 0.8, 0.7, 0.6, 0.6, 0.6,
			0.5, 0.5, 0.5, 0.6, 0.6, 0.7, 0.7, 0.7, 0.6, 0.6, 0.5, 0.5,
		},
		basalStep: 0.01,
		bolusStep: 0.05,
		maxBolus:  10,
		maxBasal:  3,
		cir:       [4]int{10, 12, 12, 15},
		cf:        [4]int{40, 45, 45, 50},
		pages:     make(map[uint16][]driver.HistoryRecord),
	}
}
