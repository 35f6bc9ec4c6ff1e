package supervision

// Well-known paths of the configuration tree.
const (
	planDBServersPrefix    = "Plan/DBServers"
	planCoordinatorsPrefix = "Plan/Coordinators"
	planSinglesPrefix      = "Plan/Singles"
	planCollectionsPrefix  = "Plan/Collections"
	planDatabasesPrefix    = "Plan/Databases"
	planVersionPath        = "Plan/Version"
	planAsyncLeaderPath    = "Plan/AsyncReplication/Leader"

	currentCollectionsPrefix  = "Current/Collections"
	currentServersKnownPrefix = "Current/ServersKnown"
	currentFoxxmasterPath     = "Current/Foxxmaster"
	currentAsyncLeaderPath    = "Current/AsyncReplication/Leader"

	targetToDoPrefix     = "Target/ToDo"
	targetPendingPrefix  = "Target/Pending"
	targetFinishedPrefix = "Target/Finished"
	targetFailedPrefix   = "Target/Failed"

	targetFailedServersPrefix  = "Target/FailedServers"
	targetCleanedServersPath   = "Target/CleanedServers"
	targetNumberOfDBServers    = "Target/NumberOfDBServers"
	targetHotBackupCreatePath  = "Target/HotBackup/Create"
	targetHotBackupTransferPfx = "Target/HotBackup/Transfer"

	supervisionHealthPrefix    = "Supervision/Health"
	supervisionShardsPrefix    = "Supervision/Shards"
	supervisionStatePath       = "Supervision/State"
	supervisionMaintenancePath = "Supervision/Maintenance"

	syncServerStatesPrefix = "Sync/ServerStates"
	syncLatestIDPath       = "Sync/LatestID"
)
