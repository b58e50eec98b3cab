package common

// Devices
const CPU_DEVICE = "cpu"

// Task names understood by the launcher
const TASK_TRAIN = "train"
const TASK_TEST = "test"
const TASK_FINETUNE = "finetune"

// Metric keys reported by clients
const TRAIN_ACC = "train_acc"
const TRAIN_LOSS = "train_loss"
const TEST_ACC = "test_acc"
const TEST_LOSS = "test_loss"

// Pipeline metric keys
const LR_KEY = "lr"
const TRANS_COST_KEY = "trans_cost(MB)"

// Test places
const TEST_BEFORE_AGGREGATION = "before_aggregation"
const TEST_AFTER_AGGREGATION = "after_aggregation"

// Result prefixes
const TRAIN_PREFIX = "train"
const BEFORE_AGGREGATION_TEST_PREFIX = "before_aggregation_test"
const AFTER_AGGREGATION_TEST_PREFIX = "after_aggregation_test"
const FINETUNE_PREFIX = "finetune"

// Events
const ROUND_FINISHED_EVENT_TYPE = "RoundFinished"
const EXPERIMENT_FINISHED_EVENT_TYPE = "ExperimentFinished"

// Experiment states
const EXPERIMENT_CREATED = "CREATED"
const EXPERIMENT_RUNNING = "RUNNING"
const EXPERIMENT_FINISHED = "FINISHED"
const EXPERIMENT_FAILED = "FAILED"
const EXPERIMENT_STOPPED = "STOPPED"

// Files written under other.logging_path
const RESULTS_CSV_FILE = "results.csv"
const RESULTS_DB_FILE = "results.db"
const CHECKPOINT_DIR = "checkpoints"

// Test results are tagged "<test place>_test/<name>"
const TEST_SUFFIX = "_test"
