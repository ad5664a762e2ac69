// Package gateway manages the lifecycle of the supervised gateway process.
//
// The Manager is the only writer of the persisted desired state and of the
// runtime secret file. Start serializes configuration (the gateway's own
// JSON config plus the env file), drives the process controller, and
// declares success only when the supervisor reports running and the
// gateway's health endpoint answers. The instance lock is claimed strictly
// after that point.
//
// Status discloses asymmetrically: the public sees only running/not,
// authenticated non-owners additionally learn they are not the owner, and
// only the owner sees provider, start time, and PID.
package gateway
