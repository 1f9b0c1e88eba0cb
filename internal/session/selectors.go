package session

// Node selectors read on every refresh.
const (
	SelectorCurrentJob = "ns=2;s=Work.CurrentJob"

	SelectorCurrentLaserPower    = "ns=2;s=Laser.CurrentLaserPower"
	SelectorGasChannel           = "ns=2;s=Laser.GasChannel"
	SelectorGasPressure          = "ns=2;s=Laser.GasPressure"
	SelectorLaserPowerDeviation  = "ns=2;s=Laser.LaserPowerDeviation"
	SelectorLaserPowerSetpoint   = "ns=2;s=Laser.LaserPowerSetpoint"
	SelectorProcessOperationMode = "ns=2;s=Laser.ProcessOperationMode"
)

// LaserSelectors lists the laser parameter nodes in read order.
var LaserSelectors = []string{
	SelectorCurrentLaserPower,
	SelectorGasChannel,
	SelectorGasPressure,
	SelectorLaserPowerDeviation,
	SelectorLaserPowerSetpoint,
	SelectorProcessOperationMode,
}

// Server-side methods. The part before the dot names the owning object.
const (
	MethodGetJobInfo             = "History.GetJobInfo"
	MethodGetPlanInfos           = "History.GetPlanInfos"
	MethodGetPartInfos           = "History.GetPartInfos"
	MethodGetRunInfo             = "History.GetRunInfo"
	MethodGetRunHistory          = "History.GetRunHistory"
	MethodGetRunPartHistory      = "History.GetRunPartHistory"
	MethodGetMachineStateHistory = "History.GetMachineStateHistory"
	MethodGetMessageHistory      = "History.GetMessageHistory"
	MethodGetScreenImage         = "ImageProvider.GetScreenImage"
)

// Screen capture arguments the controller expects.
const (
	screenImageWidth   int32 = 1200
	screenImageQuality int32 = 0
)
