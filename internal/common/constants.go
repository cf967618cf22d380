package common

// Probe round defaults
const DEFAULT_PROBE_STEPS = 20
const DEFAULT_PROBE_EPOCHS = 1

// Calibration step pool: round 2 step counts are drawn from
// {WARMUP_STEPS_MIN, WARMUP_STEPS_MIN + WARMUP_STEPS_STRIDE, ..., WARMUP_STEPS_MAX}
const WARMUP_STEPS_MIN = 5
const WARMUP_STEPS_MAX = 30
const WARMUP_STEPS_STRIDE = 5

// Performance model bounds
const DEFAULT_POLY_DEGREE = 1
const MAX_POLY_DEGREE = 15

// Sampling defaults
const DEFAULT_FRACTION_FIT = 0.1
const DEFAULT_MIN_FIT_CLIENTS = 2
const DEFAULT_MIN_AVAILABLE_CLIENTS = 2
const DEFAULT_LOCAL_STEPS = 10
const DEFAULT_NUM_ROUNDS = 10

// Dispatch config keys
const CONFIG_KEY_EPOCHS = "epochs"
const CONFIG_KEY_GPU_ID = "gpu_id"
const CONFIG_KEY_LOCAL_STEPS = "local_steps"

// Monitoring
const MONITOR_NAMESPACE = "flwr_experiment"
const KUBE_NAMESPACE_DEFAULT = "flwr-experiment"

// Events
const DEVICE_STATE_CHANGE_EVENT_TYPE = "DeviceStateChanged"
const RUN_FINISHED_EVENT_TYPE = "RunFinished"
