// README: Party roles and vehicle capability classes.
package types

type Role string

const (
	RoleRequester Role = "requester"
	RoleFulfiller Role = "fulfiller"
)

func (r Role) Valid() bool {
	return r == RoleRequester || r == RoleFulfiller
}

// Counterpart returns the other party of a ride.
func (r Role) Counterpart() Role {
	if r == RoleRequester {
		return RoleFulfiller
	}
	return RoleRequester
}

type VehicleClass string

const (
	ClassStandard   VehicleClass = "standard"
	ClassAccessible VehicleClass = "accessible"
	ClassPremium    VehicleClass = "premium"
)

func ParseVehicleClass(s string) (VehicleClass, bool) {
	switch VehicleClass(s) {
	case "":
		return ClassStandard, true
	case ClassStandard, ClassAccessible, ClassPremium:
		return VehicleClass(s), true
	}
	return "", false
}

// Serves reports whether a vehicle of class c may take a request for class want.
// Equipped classes also serve standard requests unless strict is set.
func (c VehicleClass) Serves(want VehicleClass, strict bool) bool {
	if want == "" {
		want = ClassStandard
	}
	if c == want {
		return true
	}
	if strict {
		return false
	}
	return want == ClassStandard && (c == ClassAccessible || c == ClassPremium)
}
