package resolve

import "runtime"

var caseInsensitiveFS = runtime.GOOS == "windows" || runtime.GOOS == "darwin"
