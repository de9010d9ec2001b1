package tcpseg

// Named flag-combination predicates, two per combination as required
// by spec.md §4.4: IsX tests exact equality, WithX tests the bitset
// contains the combination.

func IsFIN(f uint8) bool     { return IsType(f, FlagFIN) }
func WithFIN(f uint8) bool   { return WithType(f, FlagFIN) }
func IsSYN(f uint8) bool     { return IsType(f, FlagSYN) }
func WithSYN(f uint8) bool   { return WithType(f, FlagSYN) }
func IsRST(f uint8) bool     { return IsType(f, FlagRST) }
func WithRST(f uint8) bool   { return WithType(f, FlagRST) }
func IsPSH(f uint8) bool     { return IsType(f, FlagPSH) }
func WithPSH(f uint8) bool   { return WithType(f, FlagPSH) }
func IsACK(f uint8) bool     { return IsType(f, FlagACK) }
func WithACK(f uint8) bool   { return WithType(f, FlagACK) }
func IsURG(f uint8) bool     { return IsType(f, FlagURG) }
func WithURG(f uint8) bool   { return WithType(f, FlagURG) }
func IsSYNACK(f uint8) bool  { return IsType(f, FlagSYN|FlagACK) }
func WithSYNACK(f uint8) bool { return WithType(f, FlagSYN|FlagACK) }
func IsFINACK(f uint8) bool  { return IsType(f, FlagFIN|FlagACK) }
func WithFINACK(f uint8) bool { return WithType(f, FlagFIN|FlagACK) }
