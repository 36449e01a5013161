// Package packets holds the wire command codes of the DanaR v2 serial
// protocol. The numeric values are a firmware contract and must not change.
package packets

const (
	// Connection check and unsolicited init frames pushed right after the link comes up
	CMD_CHECK_VALUE                uint16 = 0xF0F1
	CMD_INIT_CONN_STATUS_TIME      uint16 = 0x0301
	CMD_INIT_CONN_STATUS_BOLUS     uint16 = 0x0302
	CMD_INIT_CONN_STATUS_BASIC     uint16 = 0x0303
	CMD_INIT_CONN_STATUS_OPTION    uint16 = 0x0304
	CMD_ERROR_REPORT               uint16 = 0x0601
	CMD_PC_COMM_START              uint16 = 0x3001
	CMD_PC_COMM_STOP               uint16 = 0x3002
	CMD_STATUS                     uint16 = 0x020B
	CMD_STATUS_BASIC               uint16 = 0x020A
	CMD_STATUS_TEMP_BASAL          uint16 = 0x0205
	CMD_STATUS_BOLUS_EXTENDED      uint16 = 0x0207
	CMD_BOLUS_STOP                 uint16 = 0x0101
	CMD_BOLUS_START                uint16 = 0x0102
	CMD_BOLUS_START_WITH_SPEED     uint16 = 0x0104
	CMD_BOLUS_PROGRESS             uint16 = 0x0202
	CMD_SET_TEMP_BASAL_START       uint16 = 0x0401
	CMD_SET_CARBS_ENTRY            uint16 = 0x0402
	CMD_SET_TEMP_BASAL_STOP        uint16 = 0x0403
	CMD_SET_EXTENDED_BOLUS_STOP    uint16 = 0x0406
	CMD_SET_EXTENDED_BOLUS_START   uint16 = 0x0407
	CMD_SET_APS_TEMP_BASAL_START   uint16 = 0xE002
	CMD_HISTORY_EVENTS             uint16 = 0xE003
	CMD_SET_HISTORY_ENTRY          uint16 = 0xE004
	CMD_SETTING_BASAL              uint16 = 0x3202
	CMD_SETTING_MEAL               uint16 = 0x3203
	CMD_SETTING_PROFILE_RATIOS     uint16 = 0x3204
	CMD_SETTING_MAX_VALUES         uint16 = 0x3205
	CMD_SETTING_SHIPPING_INFO      uint16 = 0x3207
	CMD_SETTING_GLUCOSE            uint16 = 0x3209
	CMD_SETTING_PUMP_TIME          uint16 = 0x320A
	CMD_SETTING_ACTIVE_PROFILE     uint16 = 0x320C
	CMD_SETTING_PROFILE_RATIOS_ALL uint16 = 0x320D
	CMD_SET_BASAL_PROFILE          uint16 = 0x3306
	CMD_SET_ACTIVATE_BASAL_PROFILE uint16 = 0x330C
	CMD_SET_TIME                   uint16 = 0x3311
)

// History pages, requested between PC_COMM_START and PC_COMM_STOP.
const (
	CMD_HISTORY_BOLUS      uint16 = 0x3101
	CMD_HISTORY_DAILY      uint16 = 0x3102
	CMD_HISTORY_PRIME      uint16 = 0x3103
	CMD_HISTORY_GLUCOSE    uint16 = 0x3104
	CMD_HISTORY_ALARM      uint16 = 0x3105
	CMD_HISTORY_ERROR      uint16 = 0x3106
	CMD_HISTORY_CARBO      uint16 = 0x3107
	CMD_HISTORY_REFILL     uint16 = 0x3108
	CMD_HISTORY_SUSPEND    uint16 = 0x3109
	CMD_HISTORY_BASAL_HOUR uint16 = 0x310A
	CMD_HISTORY_DONE       uint16 = 0x31F1
)

// Event types carried by CMD_HISTORY_EVENTS and CMD_SET_HISTORY_ENTRY.
const (
	EVENT_TEMP_START          byte = 1
	EVENT_TEMP_STOP           byte = 2
	EVENT_EXTENDED_START      byte = 3
	EVENT_EXTENDED_STOP       byte = 4
	EVENT_BOLUS               byte = 5
	EVENT_DUAL_BOLUS          byte = 6
	EVENT_DUAL_EXTENDED_START byte = 7
	EVENT_DUAL_EXTENDED_STOP  byte = 8
	EVENT_SUSPEND_ON          byte = 9
	EVENT_SUSPEND_OFF         byte = 10
	EVENT_REFILL              byte = 11
	EVENT_PRIME               byte = 12
	EVENT_PROFILE_CHANGE      byte = 13
	EVENT_CARBS               byte = 14
	EVENT_PRIME_CANNULA       byte = 15

	// Terminates a CMD_HISTORY_EVENTS page stream
	EVENT_HISTORY_END byte = 0xFF
)

// Hardware model reported by CMD_CHECK_VALUE for the export DanaR.
const EXPORT_MODEL byte = 0x03

// IsHistoryPage reports whether code requests one of the paged history logs.
func IsHistoryPage(code uint16) bool {
	return code >= CMD_HISTORY_BOLUS && code <= CMD_HISTORY_BASAL_HOUR
}
