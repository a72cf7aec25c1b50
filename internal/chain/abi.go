package chain

// escrowABI covers the escrow contract functions the engine calls.
const escrowABI = `[
  {"type":"function","name":"refund","stateMutability":"nonpayable",
   "inputs":[{"name":"gameId","type":"uint256"},{"name":"player","type":"address"}],"outputs":[]},
  {"type":"function","name":"settleGame","stateMutability":"nonpayable",
   "inputs":[{"name":"gameId","type":"uint256"},{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"totalCollected","stateMutability":"view",
   "inputs":[{"name":"gameId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tournamentPayouts","stateMutability":"view",
   "inputs":[{"name":"gameId","type":"uint256"},{"name":"recipients","type":"address[]"},{"name":"baseAmounts","type":"uint256[]"},
             {"name":"multiplierMode","type":"bool"},{"name":"doubleMode","type":"bool"}],
   "outputs":[{"name":"","type":"uint256[]"}]}
]`

const erc20ABI = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`
