// Package wire implements the binary unit framing used by the control point:
// type-length-value units, the message shapes built from them, and the
// request encoders. Nothing in this package performs I/O or keeps state.
package wire

import "fmt"

// Default network parameters.
const (
	DefaultMulticastAddress = "239.255.255.200"

	DiscoveryMulticastPort = 2000
	DescriptionPort        = 2100
	ControlPort            = 2200
	EventMulticastPort     = 2300

	// DeviceIDAll addresses every device in a search request.
	DeviceIDAll uint64 = 0xFFFFFFFF
	// ServiceTypeAll matches every service type in a search request.
	ServiceTypeAll uint8 = 0xFF
)

// Unit types.
const (
	UnitEndOfPacket uint8 = 0
	UnitPadding     uint8 = 1
	UnitSDLVersion  uint8 = 2

	UnitSearchDevice          uint8 = 10
	UnitDeviceAnnouncement    uint8 = 11
	UnitDeviceRemoval         uint8 = 12
	UnitGetDeviceDescription  uint8 = 13
	UnitDeviceDescription     uint8 = 14
	UnitGetServiceValue       uint8 = 15
	UnitSetServiceValue       uint8 = 16
	UnitInvokeAction          uint8 = 17
	UnitEvent                 uint8 = 18
	UnitGetServiceDescription uint8 = 19
	UnitServiceDescription    uint8 = 20

	UnitValueName        uint8 = 33
	UnitMinAllowedValue  uint8 = 34
	UnitMaxAllowedValue  uint8 = 35
	UnitAllowedTextValue uint8 = 36
	UnitValueUnit        uint8 = 37
	UnitValueType        uint8 = 38

	UnitDeviceDescriptionDate      uint8 = 41
	UnitDeviceID                   uint8 = 42
	UnitDeviceExpectedLifeTime     uint8 = 43
	UnitDeviceDescriptionPort      uint8 = 44
	UnitDeviceControlPort          uint8 = 45
	UnitDeviceEventPort            uint8 = 46
	UnitDeviceExternalDescriptions uint8 = 47
	UnitDeviceType                 uint8 = 48
	UnitDeviceManufacturer         uint8 = 49

	UnitAccessID                       uint8 = 52
	UnitAccessForwarderAddress         uint8 = 53
	UnitAccessForwarderDescriptionPort uint8 = 54
	UnitAccessForwarderControlPort     uint8 = 55
	UnitAccessForwarderEventPort       uint8 = 56
	UnitAccessForwarderID              uint8 = 57
	UnitAccessForwarderPhyType         uint8 = 58

	UnitResponseID               uint8 = 62
	UnitResponseForwarderAddress uint8 = 63
	UnitResponseForwarderPort    uint8 = 64
	UnitResponseForwarderID      uint8 = 67
	UnitResponseForwarderPhyType uint8 = 68

	UnitServiceDescriptionContainer uint8 = 70
	UnitServiceContainer            uint8 = 71
	UnitServiceID                   uint8 = 72
	UnitServiceName                 uint8 = 73
	UnitServiceValue                uint8 = 75
	UnitServiceValueResult          uint8 = 77
	UnitServiceType                 uint8 = 78
	UnitServiceValueReadOnly        uint8 = 79

	UnitActionDescriptionContainer uint8 = 80
	UnitActionContainer            uint8 = 81
	UnitActionID                   uint8 = 82
	UnitActionName                 uint8 = 83
	UnitActionResult               uint8 = 87

	UnitArgumentDescriptionContainer       uint8 = 90
	UnitArgumentContainer                  uint8 = 91
	UnitArgumentID                         uint8 = 92
	UnitArgumentName                       uint8 = 93
	UnitArgumentValue                      uint8 = 95
	UnitArgumentDirection                  uint8 = 96
	UnitArgumentPackedDescriptionContainer uint8 = 99

	UnitDeviceName                 uint8 = 105
	UnitSetDeviceName              uint8 = 106
	UnitSetDeviceNameResult        uint8 = 107
	UnitDeviceApplication          uint8 = 115
	UnitSetDeviceApplication       uint8 = 116
	UnitSetDeviceApplicationResult uint8 = 117

	UnitPing      uint8 = 200
	UnitPingReply uint8 = 201
)

// isPacketUnit reports whether t opens a top-level message.
func isPacketUnit(t uint8) bool {
	switch t {
	case UnitSearchDevice, UnitDeviceAnnouncement, UnitDeviceRemoval,
		UnitGetDeviceDescription, UnitDeviceDescription,
		UnitGetServiceDescription, UnitServiceDescription,
		UnitGetServiceValue, UnitSetServiceValue, UnitInvokeAction,
		UnitSetDeviceName, UnitSetDeviceNameResult,
		UnitSetDeviceApplication, UnitSetDeviceApplicationResult:
		return true
	}
	return false
}

// Service types.
const (
	ServiceTypeTemperatureSensor uint8 = 1
	ServiceTypeBrightness        uint8 = 2
	ServiceTypeButton            uint8 = 3
	ServiceTypeMultiButton       uint8 = 4
	ServiceTypeFanSpeed          uint8 = 5
	ServiceTypePotentiometer     uint8 = 6
	ServiceTypeDisplay           uint8 = 7
	ServiceTypeIR                uint8 = 8
	ServiceTypeRadioStatus       uint8 = 9
	ServiceTypeRadioNeighborhood uint8 = 10
	ServiceTypeGPS               uint8 = 11
	ServiceTypeServiceManagement uint8 = 12
	ServiceTypeClock             uint8 = 13
	ServiceTypeAccumulatedEnergy uint8 = 14
	ServiceTypeVoltage           uint8 = 15
	ServiceTypeCurrent           uint8 = 16
)

var serviceTypeNames = map[uint8]string{
	ServiceTypeTemperatureSensor: "TemperatureSensor",
	ServiceTypeBrightness:        "Brightness",
	ServiceTypeButton:            "Button",
	ServiceTypeMultiButton:       "MultiButton",
	ServiceTypeFanSpeed:          "FanSpeed",
	ServiceTypePotentiometer:     "Potentiometer",
	ServiceTypeDisplay:           "Display",
	ServiceTypeIR:                "IR",
	ServiceTypeRadioStatus:       "RadioStatus",
	ServiceTypeRadioNeighborhood: "RadioNeighborhood",
	ServiceTypeGPS:               "GPS",
	ServiceTypeServiceManagement: "ServiceManagement",
	ServiceTypeClock:             "Clock",
	ServiceTypeAccumulatedEnergy: "AccumulatedEnergy",
	ServiceTypeVoltage:           "Voltage",
	ServiceTypeCurrent:           "Current",
}

// ServiceTypeName returns a readable name for a service type, or "" if unknown.
func ServiceTypeName(t uint8) string {
	return serviceTypeNames[t]
}

// Device types.
const (
	DeviceTypeCustom            uint8 = 0
	DeviceTypeClock             uint8 = 13
	DeviceTypeEnergyMeasurement uint8 = 14
)

// Argument directions.
const (
	ArgumentDirectionIn  uint8 = 0
	ArgumentDirectionOut uint8 = 1
)

// Value types.
const (
	VarTypeNotUsed   uint8 = 0
	VarTypeUINT8     uint8 = 1
	VarTypeINT8      uint8 = 2
	VarTypeUINT16    uint8 = 3
	VarTypeINT16     uint8 = 4
	VarTypeUINT32    uint8 = 5
	VarTypeINT32     uint8 = 6
	VarTypeUINT64    uint8 = 7
	VarTypeINT64     uint8 = 8
	VarTypeString    uint8 = 20
	VarTypeURL       uint8 = 21
	VarTypeByteArray uint8 = 22
	VarTypeBoolean   uint8 = 30
	VarTypeComposite uint8 = 40
)

// Physical link types of a forwarder hop.
const (
	PhyType8023      uint8 = 1
	PhyType80211     uint8 = 2
	PhyType802154    uint8 = 10
	PhyTypeBluetooth uint8 = 20
	PhyType868       uint8 = 30
	PhyTypeTunnel    uint8 = 40
)

// Result codes carried in responses and surfaced to callers.
const (
	ResultOk                          uint8 = 1
	ResultUnknownError                uint8 = 2
	ResultNoResponseMessage           uint8 = 3
	ResultInvalidResponseMessage      uint8 = 4
	ResultInvalidMessage              uint8 = 5
	ResultInternalError               uint8 = 6
	ResultInvalidRequest              uint8 = 7
	ResultNoDevice                    uint8 = 20
	ResultNoService                   uint8 = 30
	ResultNoServiceValue              uint8 = 31
	ResultInvalidServiceValue         uint8 = 32
	ResultInvalidServiceID            uint8 = 33
	ResultSetServiceValueNotSupported uint8 = 34
	ResultServiceInactive             uint8 = 35
	ResultNoAction                    uint8 = 40
	ResultInvalidActionID             uint8 = 43
	ResultNoArgument                  uint8 = 50
	ResultInvalidArgumentValue        uint8 = 52
	ResultInvalidArgumentID           uint8 = 53
)

var resultNames = map[uint8]string{
	ResultOk:                          "ok",
	ResultUnknownError:                "unknown error",
	ResultNoResponseMessage:           "no response message",
	ResultInvalidResponseMessage:      "invalid response message",
	ResultInvalidMessage:              "invalid message",
	ResultInternalError:               "internal error",
	ResultInvalidRequest:              "invalid request",
	ResultNoDevice:                    "no device",
	ResultNoService:                   "no service",
	ResultNoServiceValue:              "no service value",
	ResultInvalidServiceValue:         "invalid service value",
	ResultInvalidServiceID:            "invalid service id",
	ResultSetServiceValueNotSupported: "set service value not supported",
	ResultServiceInactive:             "service inactive",
	ResultNoAction:                    "no action",
	ResultInvalidActionID:             "invalid action id",
	ResultNoArgument:                  "no argument",
	ResultInvalidArgumentValue:        "invalid argument value",
	ResultInvalidArgumentID:           "invalid argument id",
}

// ResultName returns a readable description of a result code.
func ResultName(code uint8) string {
	if s, ok := resultNames[code]; ok {
		return s
	}
	return fmt.Sprintf("result 0x%02X", code)
}

// Well-known action names of the service management service.
// Argument 0 carries the target service ID, argument 1 the state.
const (
	ActionGetServiceState = "GServiceState"
	ActionGetEventState   = "GEventState"
	ActionGetEventRate    = "GEventRate"
	ActionSetServiceState = "SServiceState"
	ActionSetEventState   = "SEventState"
	ActionSetEventRate    = "SEventRate"
)

// FormatDescriptionDate renders a description date as "a.b.c<letter>", where
// the low byte selects the letter.
func FormatDescriptionDate(d uint64) string {
	return fmt.Sprintf("%d.%d.%d%c", (d>>8)&0xFF, (d>>16)&0xFF, (d&0xFFFF000000)>>24, rune('a'+d&0xFF))
}
