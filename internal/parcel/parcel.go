// Package parcel defines the stable value types tetherd exchanges with
// callers and observers: tethering types, error codes, and the parcels
// described in spec.md §6.
package parcel

// TetheringType enumerates the downstream link layers the core can drive.
type TetheringType int

const (
	TypeWifi TetheringType = iota
	TypeWifiP2P
	TypeUSB
	TypeNCM
	TypeBluetooth
	TypeEthernet
	TypeVirtual
	TypeWigig
)

func (t TetheringType) String() string {
	switch t {
	case TypeWifi:
		return "WIFI"
	case TypeWifiP2P:
		return "WIFI_P2P"
	case TypeUSB:
		return "USB"
	case TypeNCM:
		return "NCM"
	case TypeBluetooth:
		return "BLUETOOTH"
	case TypeEthernet:
		return "ETHERNET"
	case TypeVirtual:
		return "VIRTUAL"
	case TypeWigig:
		return "WIGIG"
	default:
		return "UNKNOWN"
	}
}

// ConnectivityScope controls whether tethered clients get a route to the
// internet (GLOBAL) or only to the device itself (LOCAL).
type ConnectivityScope int

const (
	ScopeGlobal ConnectivityScope = iota
	ScopeLocal
)

// RequestType records how a TetheringRequest came to exist.
type RequestType int

const (
	RequestExplicit RequestType = iota
	RequestImplicit
	RequestLegacy
	RequestPlaceholder
)

// ErrorCode is the stable integer error surface from spec.md §6.
type ErrorCode int

const (
	NoError ErrorCode = iota
	UnknownIface
	UnavailIface
	Unsupported
	InternalError
	ServiceUnavail
	DuplicateRequest
	UnknownRequest
	UnknownType
	NoAccessTetheringPermission
	NoChangeTetheringPermission
	// BluetoothServicePending and SoftApCallbackPending are internal
	// sentinels: they tell a link adapter "deliver the result later", and
	// must never escape to an external caller.
	BluetoothServicePending
	SoftApCallbackPending
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "NO_ERROR"
	case UnknownIface:
		return "UNKNOWN_IFACE"
	case UnavailIface:
		return "UNAVAIL_IFACE"
	case Unsupported:
		return "UNSUPPORTED"
	case InternalError:
		return "INTERNAL_ERROR"
	case ServiceUnavail:
		return "SERVICE_UNAVAIL"
	case DuplicateRequest:
		return "DUPLICATE_REQUEST"
	case UnknownRequest:
		return "UNKNOWN_REQUEST"
	case UnknownType:
		return "UNKNOWN_TYPE"
	case NoAccessTetheringPermission:
		return "NO_ACCESS_TETHERING_PERMISSION"
	case NoChangeTetheringPermission:
		return "NO_CHANGE_TETHERING_PERMISSION"
	case BluetoothServicePending:
		return "BLUETOOTH_SERVICE_PENDING"
	case SoftApCallbackPending:
		return "SOFT_AP_CALLBACK_PENDING"
	default:
		return "UNKNOWN_ERROR"
	}
}

// IsInternalSentinel reports whether code is one of the two "result will
// arrive later" markers that must never reach an external caller.
func (c ErrorCode) IsInternalSentinel() bool {
	return c == BluetoothServicePending || c == SoftApCallbackPending
}

// SoftApConfiguration is the optional access-point configuration carried by
// a WIFI or WIFI_P2P request.
type SoftApConfiguration struct {
	SSID       string
	Passphrase string
	Band       string
	Hidden     bool
}

// TetheringInterface names a downstream together with its type and, when
// present, its soft-AP configuration — spec.md §6. UID is the caller that
// owns the serving request, used by the Callback Fan-out (§4.6) to decide
// soft-AP visibility; it is the zero value for interfaces with no serving
// request yet.
type TetheringInterface struct {
	Type          TetheringType
	InterfaceName string
	SoftApConfig  *SoftApConfiguration
	UID           int
}

// TetherStatesParcel is the stable snapshot handed to observers — spec.md §6.
type TetherStatesParcel struct {
	Available []TetheringInterface
	Tethered  []TetheringInterface
	LocalOnly []TetheringInterface
	Errored   []TetheringInterface
	LastError map[string]ErrorCode
}

// TetheringConfigurationParcel carries the daemon's own process
// configuration (ambient concern — the real provisioning/entitlement source
// is out of scope per spec.md §1).
type TetheringConfigurationParcel struct {
	UsingLegacyDnsmasq bool
	DhcpRanges         []string
	DefaultDnsServers  []string
	SettleTime         int // seconds, spec.md §4.4 SETTLE_TIME
}

// TetheringCallbackStartedParcel is sent once per newly registered
// callback — spec.md §6.
type TetheringCallbackStartedParcel struct {
	SupportedTypes   uint64
	UpstreamNetwork  string
	Config           TetheringConfigurationParcel
	States           TetherStatesParcel
	TetheredClients  []string
	OffloadStatus    string
}
