package diskplan

import (
	"github.com/pkg/errors"
)

// Container is a device aggregating member devices into a pool. Members
// are the container's parents.
type Container interface {
	Device

	// Members returns the member devices in the order they were added.
	Members() []Device

	// RequiredMembers returns the number of members the container expects.
	RequiredMembers() int

	// SetRequiredMembers records how many members the container expects.
	SetRequiredMembers(n int)

	// Complete is true once every expected member is present.
	Complete() bool

	// MemberFormat returns the format type every member must carry.
	MemberFormat() string

	// AddMember adds a member and raises the expected member count.
	AddMember(m Device) error

	// RemoveMember removes a member and lowers the expected member count.
	RemoveMember(m Device) error
}

// ContainerDevice holds the state shared by the container variants.
type ContainerDevice struct {
	StorageDevice

	memberFormat    string
	requiredMembers int
	minMembers      int
}

func (c *ContainerDevice) initContainer(self Container, devType DeviceType, memberFormat string,
	minMembers int, name string, args Args) error {
	c.memberFormat = memberFormat
	c.minMembers = minMembers

	if c.requiredMembers == 0 {
		c.requiredMembers = len(args.Parents)
	}

	return initDevice(self, devType, name, args)
}

// Members returns the container members.
func (c *ContainerDevice) Members() []Device {
	return c.Parents()
}

// RequiredMembers returns the expected member count.
func (c *ContainerDevice) RequiredMembers() int {
	return c.requiredMembers
}

// SetRequiredMembers sets the expected member count.
func (c *ContainerDevice) SetRequiredMembers(n int) {
	c.requiredMembers = n
}

// Complete is true when the member count matches the expected count.
// Member uuids were checked as each member was added.
func (c *ContainerDevice) Complete() bool {
	return len(c.parents) == c.requiredMembers
}

// MemberFormat returns the required member format type.
func (c *ContainerDevice) MemberFormat() string {
	return c.memberFormat
}

// AddMember adds m as a parent and expects one more member.
func (c *ContainerDevice) AddMember(m Device) error {
	if err := c.AddParent(m); err != nil {
		return err
	}

	c.requiredMembers++

	return nil
}

// RemoveMember removes m and expects one member less.
func (c *ContainerDevice) RemoveMember(m Device) error {
	if c.parentIndex(m) >= 0 && len(c.parents) <= c.minMembers {
		return errors.Wrapf(ErrLastMember, "%s needs at least %d members", c.self, c.minMembers)
	}

	if err := c.RemoveParent(m); err != nil {
		return err
	}

	if c.requiredMembers > 0 {
		c.requiredMembers--
	}

	return nil
}

func (c *ContainerDevice) validateParent(m Device) error {
	f := m.Format()

	if c.memberFormat != "" && f.Type != c.memberFormat {
		return errors.Wrapf(ErrMemberFormat, "%s: member %s is formatted %q, need %q",
			c.self, m, f.Type, c.memberFormat)
	}

	if c.uuid != "" && f.ContainerUUID != "" && f.ContainerUUID != c.uuid {
		return errors.Wrapf(ErrContainerUUID, "%s (%s): member %s belongs to %s",
			c.self, c.uuid, m, f.ContainerUUID)
	}

	return nil
}
